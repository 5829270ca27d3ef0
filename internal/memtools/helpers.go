// Package memtools provides the MCP tool handlers of the retrieval engine.
//
// Every tool follows the same pattern:
// - a struct holding its dependencies, injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() validates arguments, calls the engine and renders text
//
// User errors become tool error results; Handle never returns a Go error.
package memtools

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// snippetLength caps record text in list output.
const snippetLength = 300

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// floatArg returns a pointer to a numeric argument, or nil when absent.
func floatArg(req mcp.CallToolRequest, key string) *float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return nil
	}
	return &v
}

// kindsArg parses a comma separated kind list. Empty means no filter.
func kindsArg(req mcp.CallToolRequest, key string) ([]memory.Kind, error) {
	raw := req.GetString(key, "")
	var kinds []memory.Kind
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := memory.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// writeHits renders ranked hits as a numbered list.
func writeHits(b *strings.Builder, hits []retrieval.Hit) {
	for i, h := range hits {
		r := h.Record
		fmt.Fprintf(b, "[%d] %s (%s) score %.3f | importance %.2f\n    %s\n",
			i+1, r.ID, r.Kind, h.Score, r.Importance,
			strings.ReplaceAll(memory.Truncate(r.Text, snippetLength), "\n", "\n    "))
		if r.SourceRef != "" {
			fmt.Fprintf(b, "    source: %s\n", r.SourceRef)
		}
		b.WriteByte('\n')
	}
}
