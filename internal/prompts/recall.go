// Package prompts implements MCP prompt handlers for the recall server.
//
// MCP prompts are user-triggered workflows (like slash commands). They
// tell the assistant which recall tools to call and in what order.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// RecallPrompt handles the recall-context prompt. It asks the assistant to
// load relevant memory and code before working on a task, and to capture
// what it learned afterwards.
type RecallPrompt struct{}

// NewRecallPrompt creates a RecallPrompt.
func NewRecallPrompt() *RecallPrompt {
	return &RecallPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecallPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("recall-context",
		mcp.WithPromptDescription(
			"Load what recall knows about a task before starting it: "+
				"stored preferences and decisions, plus matching code symbols, endpoints and chunks.",
		),
		mcp.WithArgument("task",
			mcp.ArgumentDescription("What you are about to work on"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("code",
			mcp.ArgumentDescription("Also search indexed code: 'yes' or 'no'. Default: yes"),
		),
	)
}

// Handle processes the recall-context prompt request.
func (p *RecallPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	task := ""
	withCode := true
	if args := req.Params.Arguments; args != nil {
		task = strings.TrimSpace(args["task"])
		if c, ok := args["code"]; ok && strings.EqualFold(strings.TrimSpace(c), "no") {
			withCode = false
		}
	}
	if task == "" {
		return nil, fmt.Errorf("argument 'task' is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Before working on this task, load what you already know about it:\n\n> %s\n\n", task)
	b.WriteString("1. Run `mem_retrieve` with the task as the query. Treat the results as standing instructions and earlier decisions.\n")
	step := 2
	if withCode {
		fmt.Fprintf(&b, "%d. Run `code_search` with the names, routes or concepts the task mentions.\n", step)
		step++
	}
	fmt.Fprintf(&b, "%d. If a retrieved memory conflicts with what I say now, follow me and fix the memory with `mem_correct`.\n", step)
	step++
	fmt.Fprintf(&b, "%d. When you finish, call `mem_capture` with your final answer so new preferences and facts are kept.\n", step)

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Recall context for: %s", task),
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(b.String()),
			},
		},
	}, nil
}
