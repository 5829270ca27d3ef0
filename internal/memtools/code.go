package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// CodeIndexTool handles the code_index MCP tool.
type CodeIndexTool struct {
	indexer *codeindex.Indexer
	root    string
}

// NewCodeIndexTool creates a CodeIndexTool. root is the project directory
// used when the call names none.
func NewCodeIndexTool(indexer *codeindex.Indexer, root string) *CodeIndexTool {
	return &CodeIndexTool{indexer: indexer, root: root}
}

// Definition returns the MCP tool definition for code_index.
func (t *CodeIndexTool) Definition() mcp.Tool {
	return mcp.NewTool("code_index",
		mcp.WithDescription(
			"Index a project directory for code_search: line chunks, declared symbols and HTTP endpoints. "+
				"Re-running it is incremental: unchanged code is deduplicated and records of changed code are replaced.",
		),
		mcp.WithString("path",
			mcp.Description("Project root to index (default: the server's project root)"),
		),
		mcp.WithString("scope",
			mcp.Description("Optional sub-directory of the root to limit indexing to"),
		),
	)
}

// Handle processes the code_index tool call.
func (t *CodeIndexTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root := strings.TrimSpace(req.GetString("path", t.root))
	if root == "" {
		return mcp.NewToolResultError("'path' is required (no default project root configured)"), nil
	}

	st, err := t.indexer.Index(ctx, root, req.GetString("scope", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("indexing failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Indexed %d files: %d chunks, %d symbols, %d endpoints\n%d unchanged (duplicates), %d replaced, %d pending",
		st.Files, st.Chunks, st.Symbols, st.Endpoints, st.Duplicates, st.Superseded, st.Pending,
	)), nil
}

// ─── RebuildTool ────────────────────────────────────────────────────────────

// RebuildTool handles the index_rebuild MCP tool.
type RebuildTool struct {
	engine *retrieval.Engine
}

// NewRebuildTool creates a RebuildTool.
func NewRebuildTool(engine *retrieval.Engine) *RebuildTool {
	return &RebuildTool{engine: engine}
}

// Definition returns the MCP tool definition for index_rebuild.
func (t *RebuildTool) Definition() mcp.Tool {
	return mcp.NewTool("index_rebuild",
		mcp.WithDescription(
			"Rebuild the semantic index from the record log in the background, or report the status of the "+
				"current rebuild. Retrieval keeps working meanwhile.",
		),
		mcp.WithBoolean("status_only",
			mcp.Description("Only report rebuild status (default: false)"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the rebuild to finish before returning (default: false)"),
		),
	)
}

// Handle processes the index_rebuild tool call.
func (t *RebuildTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if boolArg(req, "status_only", false) {
		return mcp.NewToolResultText(describeRebuild(t.engine.RebuildStatus())), nil
	}

	done := t.engine.Rebuild()
	if !boolArg(req, "wait", false) {
		return mcp.NewToolResultText(fmt.Sprintf("Rebuild scheduled for %s", t.engine.ActiveVersion())), nil
	}
	select {
	case err := <-done:
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("rebuild failed: %v", err)), nil
		}
	case <-ctx.Done():
		return mcp.NewToolResultError("rebuild still running: request canceled"), nil
	}
	return mcp.NewToolResultText(describeRebuild(t.engine.RebuildStatus())), nil
}

func describeRebuild(st retrieval.RebuildStatus) string {
	switch {
	case st.Running:
		return fmt.Sprintf("Rebuild running for %s: %d processed, %d embedded", st.Version, st.Processed, st.Embedded)
	case st.StartedAt.IsZero():
		return "No rebuild has run"
	case st.LastError != "":
		return fmt.Sprintf("Last rebuild for %s failed: %s", st.Version, st.LastError)
	}
	msg := fmt.Sprintf("Last rebuild for %s finished: %d processed, %d embedded", st.Version, st.Processed, st.Embedded)
	if st.Failed > 0 {
		msg += fmt.Sprintf(", %d failed to embed and will be retried", st.Failed)
	}
	return msg
}
