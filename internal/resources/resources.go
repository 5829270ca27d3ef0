// Package resources implements MCP resource handlers for the recall server.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (recall://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/retrieval"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	StatsURI     = "recall://scope/stats"
	CodeIndexURI = "recall://code/index"
)

// Handler manages recall resource endpoints.
type Handler struct {
	engine *retrieval.Engine
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(engine *retrieval.Engine) *Handler {
	return &Handler{engine: engine}
}

// StatsResource returns the MCP resource definition for engine statistics.
func (h *Handler) StatsResource() mcp.Resource {
	return mcp.NewResource(
		StatsURI,
		"Recall Statistics",
		mcp.WithResourceDescription("Record counts per kind, pending records, embedder version and rebuild state"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStats returns the current engine statistics as JSON.
func (h *Handler) HandleStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.engine.Stats(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, stats)
}

// CodeIndexResource returns the MCP resource definition for the last code
// indexing run.
func (h *Handler) CodeIndexResource() mcp.Resource {
	return mcp.NewResource(
		CodeIndexURI,
		"Code Index",
		mcp.WithResourceDescription("Root, file and record counts of the last code indexing run"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleCodeIndex returns the stored code index statistics as JSON.
func (h *Handler) HandleCodeIndex(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := codeindex.LoadStats(ctx, h.engine.Store())
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	if stats == nil {
		return errorResource(req.Params.URI, "no code has been indexed in this scope"), nil
	}
	return jsonResource(req.Params.URI, stats)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
