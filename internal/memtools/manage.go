package memtools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// GetTool handles the mem_get MCP tool.
type GetTool struct {
	engine *retrieval.Engine
}

// NewGetTool creates a GetTool.
func NewGetTool(engine *retrieval.Engine) *GetTool {
	return &GetTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_get.
func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_get",
		mcp.WithDescription(
			"Get the full content of a record by ID, including superseded records and what replaced them.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("The record ID"),
		),
	)
}

// Handle processes the mem_get tool call.
func (t *GetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("id", ""))
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}

	r, err := t.engine.Get(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("record %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get record: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", r.ID)
	fmt.Fprintf(&b, "- **Kind**: %s\n", r.Kind)
	fmt.Fprintf(&b, "- **Importance**: %.2f\n", r.Importance)
	fmt.Fprintf(&b, "- **Created**: %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.LastSeenAt != nil {
		fmt.Fprintf(&b, "- **Last seen**: %s\n", r.LastSeenAt.Format(time.RFC3339))
	}
	if r.SourceRef != "" {
		fmt.Fprintf(&b, "- **Source**: %s\n", r.SourceRef)
	}
	if !r.Live() {
		fmt.Fprintf(&b, "- **Superseded by**: %s\n", *r.SupersededBy)
	}
	if !r.Indexed {
		b.WriteString("- **Indexed**: no (pending)\n")
	}
	fmt.Fprintf(&b, "\n%s", r.Text)
	return mcp.NewToolResultText(b.String()), nil
}

// ─── CorrectTool ────────────────────────────────────────────────────────────

// CorrectTool handles the mem_correct MCP tool.
type CorrectTool struct {
	engine *retrieval.Engine
}

// NewCorrectTool creates a CorrectTool.
func NewCorrectTool(engine *retrieval.Engine) *CorrectTool {
	return &CorrectTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_correct.
func (t *CorrectTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_correct",
		mcp.WithDescription(
			"Correct a stored record. The new text replaces the old record in retrieval; "+
				"the old one stays readable by ID and points at its replacement.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("ID of the record being corrected"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The corrected statement"),
		),
		mcp.WithNumber("importance",
			mcp.Description("Optional importance in [0,1]; defaults to at least the old record's importance"),
		),
	)
}

// Handle processes the mem_correct tool call.
func (t *CorrectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("id", ""))
	text := req.GetString("text", "")
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}

	res, err := t.engine.Correct(ctx, id, ingest.Request{
		Text:       text,
		Importance: floatArg(req, "importance"),
	})
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("record %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("correction failed: %v", err)), nil
	}
	return mcp.NewToolResultText(describeResult(res)), nil
}
