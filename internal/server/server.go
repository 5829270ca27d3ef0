// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it opens the scope, builds the engine and
// the code indexer, and injects them into the tools, prompts and resources
// that depend on them. No retrieval logic lives here, only wiring and the
// lifecycle of a long-running server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/memtools"
	"github.com/HendryAvila/recall/internal/prompts"
	"github.com/HendryAvila/recall/internal/resources"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools, prompts and
// resources registered over rt.
func New(rt *Runtime) *server.MCPServer {
	s := server.NewMCPServer(
		"recall",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerTools(s, rt)

	// --- Register prompts ---

	recallPrompt := prompts.NewRecallPrompt()
	s.AddPrompt(recallPrompt.Definition(), recallPrompt.Handle)

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(rt.Engine)
	s.AddResource(resourceHandler.StatsResource(), resourceHandler.HandleStats)
	s.AddResource(resourceHandler.CodeIndexResource(), resourceHandler.HandleCodeIndex)

	return s
}

// registerTools registers the 9 recall MCP tools with the server.
func registerTools(s *server.MCPServer, rt *Runtime) {
	// --- Write path ---
	ingestTool := memtools.NewIngestTool(rt.Engine)
	s.AddTool(ingestTool.Definition(), ingestTool.Handle)

	captureTool := memtools.NewCaptureTool(rt.Engine)
	s.AddTool(captureTool.Definition(), captureTool.Handle)

	correctTool := memtools.NewCorrectTool(rt.Engine)
	s.AddTool(correctTool.Definition(), correctTool.Handle)

	// --- Read path ---
	retrieveTool := memtools.NewRetrieveTool(rt.Engine)
	s.AddTool(retrieveTool.Definition(), retrieveTool.Handle)

	getTool := memtools.NewGetTool(rt.Engine)
	s.AddTool(getTool.Definition(), getTool.Handle)

	// --- Code ---
	codeIndexTool := memtools.NewCodeIndexTool(rt.Indexer, rt.Config.ProjectRoot)
	s.AddTool(codeIndexTool.Definition(), codeIndexTool.Handle)

	codeSearchTool := memtools.NewCodeSearchTool(rt.Engine)
	s.AddTool(codeSearchTool.Definition(), codeSearchTool.Handle)

	// --- Maintenance ---
	statsTool := memtools.NewStatsTool(rt.Engine)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	rebuildTool := memtools.NewRebuildTool(rt.Engine)
	s.AddTool(rebuildTool.Definition(), rebuildTool.Handle)
}

// Serve runs the MCP server on stdio until ctx is cancelled or stdin
// closes. Maintenance jobs always run; the code watcher and the metrics
// endpoint start when configured.
func Serve(ctx context.Context, rt *Runtime) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched, err := rt.StartMaintenance()
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			rt.log.Warn("scheduler shutdown", "error", err)
		}
	}()

	var wg sync.WaitGroup

	if root := rt.Config.ProjectRoot; rt.Config.Watch && root != "" {
		w, err := codeindex.NewWatcher(rt.Indexer, root, codeindex.DefaultDebounce, logging.WithComponent(rt.log, "watcher"))
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rt.Indexer.Index(ctx, root, ""); err != nil && !errors.Is(err, context.Canceled) {
				rt.log.Warn("initial code index failed", "root", root, "error", err)
			}
			if err := w.Run(ctx); err != nil {
				rt.log.Warn("code watcher stopped", "error", err)
			}
		}()
	}

	if addr := rt.Config.Metrics.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.log.Info("serving metrics", "addr", addr)
			if err := rt.Metrics.Serve(ctx, addr); err != nil {
				rt.log.Error("metrics endpoint failed", "addr", addr, "error", err)
			}
		}()
	}

	stdio := server.NewStdioServer(New(rt))
	stdio.SetErrorLogger(slog.NewLogLogger(rt.log.Handler(), slog.LevelError))
	err = stdio.Listen(ctx, os.Stdin, os.Stdout)

	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serverInstructions returns the system instructions that tell the
// assistant how to use recall effectively.
func serverInstructions() string {
	return `You have access to recall, a long-term memory and code search engine
for this project.

## WHAT recall STORES

- memory-fact: user preferences, project conventions, decisions and constraints
- code-chunk: overlapping line windows of source files
- code-symbol: functions, methods, classes and types
- code-endpoint: HTTP routes with their handler

Records are never edited or deleted. A correction appends a new record and
marks the old one as superseded; superseded records never appear in results.

## WHEN TO RETRIEVE

Call mem_retrieve BEFORE answering when the request touches:
- style, conventions or tooling ("how do we format...", "which library...")
- anything the user told you in an earlier session
- a decision that may already have been made

Call code_search when you need to locate a function, type or route by name
or by what it does. Prefer it over guessing file paths.

If mem_retrieve reports that results are keyword-only, the vector index is
being rebuilt. The results are still valid, only less semantic.

## WHEN TO STORE

- After a turn where the user states a preference, convention or decision,
  call mem_capture with your final answer (and the user's message when
  available). It extracts at most three facts and skips duplicates.
- For a single explicit fact, call mem_ingest with kind=memory-fact.
- When the user corrects something recall returned, call mem_correct with
  the record id and the corrected text. Do not ingest the correction as a
  new unrelated fact.

Never store secrets, credentials or one-off chatter ("ok", "thanks").

## CODE INDEX

Run code_index once for a new project, and again after large changes when
no file watcher is running. Re-indexing a file replaces the records of code
that no longer exists.

## MAINTENANCE

mem_stats shows counts per kind, pending records and the embedder state.
index_rebuild rebuilds the vector index, for example after switching the
embedder model.`
}
