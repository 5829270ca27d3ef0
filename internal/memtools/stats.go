package memtools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// StatsTool handles the mem_stats MCP tool.
type StatsTool struct {
	engine *retrieval.Engine
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(engine *retrieval.Engine) *StatsTool {
	return &StatsTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_stats",
		mcp.WithDescription(
			"Show memory statistics: records per kind, pending index work, the active embedder and rebuild status.",
		),
	)
}

// Handle processes the mem_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.engine.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Memory Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Scope**: %s\n", st.Scope))
	sb.WriteString(fmt.Sprintf("- **Records**: %d live, %d superseded\n", st.Live, st.Superseded))

	kinds := make([]string, 0, len(st.PerKind))
	for k := range st.PerKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		sb.WriteString(fmt.Sprintf("  - %s: %d\n", k, st.PerKind[memory.Kind(k)]))
	}

	sb.WriteString(fmt.Sprintf("- **Pending**: %d unindexed, %d without vector\n", st.Unindexed, st.Unembedded))
	sb.WriteString(fmt.Sprintf("- **Embedder**: %s (ready: %t)\n", st.ActiveVersion, st.Ready))
	sb.WriteString(fmt.Sprintf("- **Indexes**: %d vectors (%s), %d lexical\n", st.Vectors, st.Backend, st.Lexical))
	if st.Rebuild.Running {
		sb.WriteString(fmt.Sprintf("- **Rebuild**: running for %s, %d processed\n", st.Rebuild.Version, st.Rebuild.Processed))
	} else if st.Rebuild.LastError != "" {
		sb.WriteString(fmt.Sprintf("- **Rebuild**: last run failed: %s\n", st.Rebuild.LastError))
	}

	code, err := codeindex.LoadStats(ctx, t.engine.Store())
	if err == nil && code != nil {
		sb.WriteString(fmt.Sprintf("- **Code index**: %d files, %d chunks, %d symbols, %d endpoints (updated %s)\n",
			code.Files, code.Chunks, code.Symbols, code.Endpoints, code.UpdatedAt.Format(time.RFC3339)))
	}

	return mcp.NewToolResultText(sb.String()), nil
}
