package memtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// CaptureTool handles the mem_capture MCP tool.
type CaptureTool struct {
	engine *retrieval.Engine
}

// NewCaptureTool creates a CaptureTool.
func NewCaptureTool(engine *retrieval.Engine) *CaptureTool {
	return &CaptureTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_capture.
func (t *CaptureTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_capture",
		mcp.WithDescription(
			"Capture up to three durable statements from a finished turn. A '## Key Learnings' section "+
				"in the answer is preferred; otherwise short sentences are extracted. Call this after "+
				"completing significant work, silently.",
		),
		mcp.WithString("answer",
			mcp.Required(),
			mcp.Description("The final answer of the turn"),
		),
		mcp.WithString("user_input",
			mcp.Description("The user's request that produced the answer"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session ID recorded as the source of captured facts"),
		),
	)
}

// Handle processes the mem_capture tool call.
func (t *CaptureTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	answer := req.GetString("answer", "")
	if answer == "" {
		return mcp.NewToolResultError("'answer' is required"), nil
	}

	result, err := t.engine.Capture(ctx, ingest.Turn{
		UserInput: req.GetString("user_input", ""),
		Answer:    answer,
		SessionID: req.GetString("session_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("capture failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Capture complete: %d extracted, %d saved, %d duplicates",
		result.Extracted, result.Saved, result.Duplicates)), nil
}
