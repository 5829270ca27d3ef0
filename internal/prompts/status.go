package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the recall-status MCP prompt.
// It instructs the assistant to read and present the engine state.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("recall-status",
		mcp.WithPromptDescription(
			"Check the state of the recall memory: record counts, pending records, "+
				"embedder version and whether a rebuild is running.",
		),
	)
}

// Handle processes the recall-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Recall status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `mem_stats` and `index_rebuild` with status_only=true.\n\n" +
						"Then:\n" +
						"1. Summarize how many live records exist per kind\n" +
						"2. Point out pending records or an embedder that is not ready\n" +
						"3. If the code index is stale or missing, suggest running `code_index`",
				),
			},
		},
	}, nil
}
