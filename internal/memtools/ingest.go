package memtools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// IngestTool handles the mem_ingest MCP tool.
type IngestTool struct {
	engine *retrieval.Engine
}

// NewIngestTool creates an IngestTool.
func NewIngestTool(engine *retrieval.Engine) *IngestTool {
	return &IngestTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_ingest.
func (t *IngestTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_ingest",
		mcp.WithDescription(
			"Store a durable fact about the project or the user's preferences. Call this PROACTIVELY when "+
				"a decision, constraint, convention or gotcha comes up. Saving the same fact twice is harmless: "+
				"duplicates are detected and the existing record is returned.",
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The statement to remember, one fact per call (e.g. 'Use 4-space indentation in Python files')"),
		),
		mcp.WithString("kind",
			mcp.Description("Record kind: memory-fact (default), code-chunk, code-symbol, code-endpoint"),
		),
		mcp.WithNumber("importance",
			mcp.Description("Optional importance in [0,1]; estimated from the text when omitted"),
		),
		mcp.WithString("source_ref",
			mcp.Description("Optional pointer to where the fact came from (file path, URL, session)"),
		),
	)
}

// Handle processes the mem_ingest tool call.
func (t *IngestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	kind, err := memory.ParseKind(req.GetString("kind", string(memory.KindMemoryFact)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.engine.Ingest(ctx, ingest.Request{
		Text:       text,
		Kind:       kind,
		Importance: floatArg(req, "importance"),
		SourceRef:  req.GetString("source_ref", ""),
	})
	if errors.Is(err, ingest.ErrEmptyText) {
		return mcp.NewToolResultError("'text' is empty after normalization"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to ingest: %v", err)), nil
	}
	return mcp.NewToolResultText(describeResult(res)), nil
}

// describeResult renders an ingest outcome.
func describeResult(res ingest.Result) string {
	var b strings.Builder
	if res.Duplicate {
		fmt.Fprintf(&b, "Already known (duplicate of ID: %s)", res.ID)
		return b.String()
	}
	fmt.Fprintf(&b, "Memory saved (ID: %s)", res.ID)
	if res.Superseded != "" {
		fmt.Fprintf(&b, "\nSuperseded: %s", res.Superseded)
	}
	if res.Pending {
		b.WriteString("\nPending: searchable by keywords now, semantic index will catch up")
	}
	return b.String()
}
