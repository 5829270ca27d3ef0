// recall: hybrid retrieval engine for coding-assistant memory and code search.
//
// It stores durable facts about the user and the project, indexes source
// code into chunks, symbols and endpoints, and answers ranked queries that
// blend semantic similarity, importance, recency and exact keyword hits.
//
// Usage:
//
//	recall serve                  # Start MCP server (stdio transport)
//	recall ingest "text"          # Store one fact
//	recall retrieve "query"       # Ranked lookup
//	recall index ./project        # Index source code
//	recall check --repair         # Verify (and fix) index consistency
//	recall rebuild                # Rebuild the vector index
//	recall stats                  # Counts and index state as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/server"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config  string           `help:"Path to recall.yaml. Defaults to <data-dir>/recall.yaml when present." short:"c" type:"path"`
	DataDir string           `help:"Directory holding one database per scope." name:"data-dir" type:"path"`
	Scope   string           `help:"Memory scope to open." short:"s"`
	EnvFile []string         `help:"Dotenv files loaded before the config." name:"env-file" default:".env"`
	Version kong.VersionFlag `help:"Print version and exit." short:"v"`
}

type cli struct {
	Globals `embed:""`

	Serve    serveCmd    `cmd:"" help:"Run the MCP server on stdio."`
	Ingest   ingestCmd   `cmd:"" help:"Store one record."`
	Retrieve retrieveCmd `cmd:"" help:"Query the scope and print ranked records."`
	Index    indexCmd    `cmd:"" help:"Index a project directory into code records."`
	Check    checkCmd    `cmd:"" help:"Check that the indexes agree with the record log."`
	Rebuild  rebuildCmd  `cmd:"" help:"Rebuild the vector index for the configured embedder."`
	Stats    statsCmd    `cmd:"" help:"Print scope statistics as JSON."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("recall"),
		kong.Description("Hybrid retrieval engine for coding-assistant memory and code search."),
		kong.UsageOnError(),
		kong.Vars{"version": "recall v" + server.Version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	err := kctx.Run(&c.Globals)
	if err == nil {
		return
	}
	stop()

	var ce *memory.CorruptionError
	if errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "Error: storage for scope %q is corrupted: %v\n", ce.Scope, ce.Err)
		fmt.Fprintf(os.Stderr, "Restore the scope database from a backup before retrying.\n")
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig resolves the configuration: dotenv files, then the YAML file,
// then environment overrides, then command-line flags.
func (g *Globals) loadConfig() (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFiles(g.EnvFile...); err != nil {
		return nil, nil, err
	}
	if g.DataDir != "" {
		if err := os.Setenv(config.EnvDataDir, g.DataDir); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.Scope != "" {
		cfg.Scope = g.Scope
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	log := logging.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, log, nil
}

// open loads the configuration and opens the runtime of its scope.
func (g *Globals) open(ctx context.Context) (*server.Runtime, error) {
	cfg, log, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return server.Open(ctx, cfg, log)
}

// withRuntime opens the runtime, runs fn and closes the runtime.
func (g *Globals) withRuntime(ctx context.Context, fn func(*server.Runtime) error) (err error) {
	rt, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
