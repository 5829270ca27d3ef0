package memtools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// RetrieveTool handles the mem_retrieve MCP tool.
type RetrieveTool struct {
	engine *retrieval.Engine
}

// NewRetrieveTool creates a RetrieveTool.
func NewRetrieveTool(engine *retrieval.Engine) *RetrieveTool {
	return &RetrieveTool{engine: engine}
}

// Definition returns the MCP tool definition for mem_retrieve.
func (t *RetrieveTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_retrieve",
		mcp.WithDescription(
			"Retrieve the most relevant stored knowledge for a query: facts, preferences and indexed code. "+
				"Results blend semantic similarity, importance, recency and exact keyword hits. "+
				"Call this at the start of a task to recover project context.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language question or keywords"),
		),
		mcp.WithString("kind",
			mcp.Description("Optional comma separated kind filter: memory-fact, code-chunk, code-symbol, code-endpoint"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 8)"),
		),
	)
}

// Handle processes the mem_retrieve tool call.
func (t *RetrieveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	kinds, err := kindsArg(req, "kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return search(ctx, t.engine, retrieval.Query{
		Text:  query,
		Kinds: kinds,
		Limit: intArg(req, "limit", 0),
	}, "memories")
}

// CodeSearchTool handles the code_search MCP tool.
type CodeSearchTool struct {
	engine *retrieval.Engine
}

// NewCodeSearchTool creates a CodeSearchTool.
func NewCodeSearchTool(engine *retrieval.Engine) *CodeSearchTool {
	return &CodeSearchTool{engine: engine}
}

// Definition returns the MCP tool definition for code_search.
func (t *CodeSearchTool) Definition() mcp.Tool {
	return mcp.NewTool("code_search",
		mcp.WithDescription(
			"Search the indexed project code: chunks, declared symbols and HTTP endpoints. "+
				"Exact identifiers (e.g. handleLogin) rank first. Run code_index first.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Identifier, route or description of the code you are looking for"),
		),
		mcp.WithString("kind",
			mcp.Description("Optional comma separated filter: code-chunk, code-symbol, code-endpoint (default: all three)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 8)"),
		),
	)
}

// Handle processes the code_search tool call.
func (t *CodeSearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	kinds, err := kindsArg(req, "kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	for _, k := range kinds {
		if !k.IsCode() {
			return mcp.NewToolResultError(fmt.Sprintf("kind %q is not a code kind", k)), nil
		}
	}
	if len(kinds) == 0 {
		kinds = memory.CodeKinds()
	}
	return search(ctx, t.engine, retrieval.Query{
		Text:  query,
		Kinds: kinds,
		Limit: intArg(req, "limit", 0),
	}, "code results")
}

// search runs q, falling back to lexical-only while the vector index is
// being rebuilt.
func search(ctx context.Context, engine *retrieval.Engine, q retrieval.Query, noun string) (*mcp.CallToolResult, error) {
	resp, err := engine.Retrieve(ctx, q)
	notReady := errors.Is(err, retrieval.ErrNotReady)
	if notReady {
		q.LexicalOnly = true
		resp, err = engine.Retrieve(ctx, q)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieve failed: %v", err)), nil
	}

	if len(resp.Hits) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No %s found matching your query.", noun)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s:\n", len(resp.Hits), noun)
	switch {
	case notReady:
		b.WriteString("(keyword matches only: the semantic index is rebuilding)\n")
	case resp.Degraded:
		b.WriteString("(keyword matches only: the query could not be embedded in time)\n")
	}
	b.WriteByte('\n')
	writeHits(&b, resp.Hits)
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}
