package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
	"github.com/HendryAvila/recall/internal/server"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// ─── serve ───────────────────────────────────────────────────────────────────

type serveCmd struct {
	Root    string `help:"Project root for code indexing (overrides config)." type:"path"`
	Watch   bool   `help:"Re-index changed files under the project root."`
	Metrics string `help:"Address for the Prometheus /metrics endpoint, e.g. :9464."`
}

func (c *serveCmd) Run(ctx context.Context, g *Globals) error {
	cfg, log, err := g.loadConfig()
	if err != nil {
		return err
	}
	if c.Root != "" {
		cfg.ProjectRoot = c.Root
	}
	if c.Watch {
		cfg.Watch = true
	}
	if c.Metrics != "" {
		cfg.Metrics.Addr = c.Metrics
	}

	rt, err := server.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("closing runtime", "error", err)
		}
	}()
	return server.Serve(ctx, rt)
}

// ─── ingest ──────────────────────────────────────────────────────────────────

type ingestCmd struct {
	Text       []string `arg:"" help:"Text to store. Reads stdin when '-'."`
	Kind       string   `help:"Record kind." default:"memory-fact" enum:"memory-fact,code-chunk,code-symbol,code-endpoint"`
	Importance *float64 `help:"Importance in [0,1]; derived from the text when omitted."`
	Source     string   `help:"Source reference, e.g. path:line." name:"source"`
}

func (c *ingestCmd) Run(ctx context.Context, g *Globals) error {
	text := strings.Join(c.Text, " ")
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = string(data)
	}
	kind, err := memory.ParseKind(c.Kind)
	if err != nil {
		return err
	}

	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		res, err := rt.Engine.Ingest(ctx, ingest.Request{
			Text:       text,
			Kind:       kind,
			Importance: c.Importance,
			SourceRef:  c.Source,
		})
		if err != nil {
			return err
		}
		switch {
		case res.Duplicate:
			fmt.Fprintf(stdout, "duplicate of %s\n", res.ID)
		default:
			fmt.Fprintf(stdout, "saved %s\n", res.ID)
		}
		if res.Superseded != "" {
			fmt.Fprintf(stdout, "superseded %s\n", res.Superseded)
		}
		if res.Pending {
			fmt.Fprintln(stdout, "pending: indexing will be retried")
		}
		return nil
	})
}

// ─── retrieve ────────────────────────────────────────────────────────────────

type retrieveCmd struct {
	Query   []string `arg:"" help:"Query text."`
	Kind    []string `help:"Restrict to these kinds (memory-fact, code-chunk, code-symbol, code-endpoint)." sep:","`
	Limit   int      `help:"Maximum number of results; 0 uses the configured budget." short:"n"`
	Lexical bool     `help:"Keyword matching only."`
	JSON    bool     `help:"Print hits as JSON." name:"json"`
}

func (c *retrieveCmd) Run(ctx context.Context, g *Globals) error {
	q := retrieval.Query{
		Text:        strings.Join(c.Query, " "),
		Limit:       c.Limit,
		LexicalOnly: c.Lexical,
	}
	for _, k := range c.Kind {
		kind, err := memory.ParseKind(k)
		if err != nil {
			return err
		}
		q.Kinds = append(q.Kinds, kind)
	}

	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		resp, err := rt.Engine.Retrieve(ctx, q)
		if errors.Is(err, retrieval.ErrNotReady) {
			q.LexicalOnly = true
			resp, err = rt.Engine.Retrieve(ctx, q)
			if err == nil {
				resp.Degraded = true
			}
		}
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(resp)
		}
		if len(resp.Hits) == 0 {
			fmt.Fprintln(stdout, "no results")
			return nil
		}
		if resp.Degraded {
			fmt.Fprintln(stdout, "(keyword matches only)")
		}
		for i, h := range resp.Hits {
			fmt.Fprintf(stdout, "%d. %.3f %s [%s]", i+1, h.Score, h.Record.ID, h.Record.Kind)
			if h.Record.SourceRef != "" {
				fmt.Fprintf(stdout, " %s", h.Record.SourceRef)
			}
			fmt.Fprintf(stdout, "\n   %s\n", memory.Truncate(oneLine(h.Record.Text), 160))
		}
		return nil
	})
}

// ─── index ───────────────────────────────────────────────────────────────────

type indexCmd struct {
	Root  string   `arg:"" optional:"" help:"Project root; defaults to project_root from config, then the working directory." type:"path"`
	Scope string   `help:"Only index this subdirectory of the root." name:"subdir"`
	Files []string `help:"Re-index only these paths, relative to the root." sep:","`
}

func (c *indexCmd) Run(ctx context.Context, g *Globals) error {
	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		root := c.Root
		if root == "" {
			root = rt.Config.ProjectRoot
		}
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			root = wd
		}
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		var st *codeindex.Stats
		if len(c.Files) > 0 {
			st, err = rt.Indexer.IndexFiles(ctx, root, c.Files)
		} else {
			st, err = rt.Indexer.Index(ctx, root, c.Scope)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "indexed %d files under %s: %d chunks, %d symbols, %d endpoints (%d unchanged, %d superseded, %d pending)\n",
			st.Files, st.Root, st.Chunks, st.Symbols, st.Endpoints, st.Duplicates, st.Superseded, st.Pending)
		return nil
	})
}

// ─── check ───────────────────────────────────────────────────────────────────

type checkCmd struct {
	Repair bool `help:"Fix the differences found."`
}

func (c *checkCmd) Run(ctx context.Context, g *Globals) error {
	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		report, err := rt.Engine.Check(ctx)
		if err != nil && !errors.Is(err, retrieval.ErrIndexInconsistency) {
			return err
		}
		if report.Consistent() {
			fmt.Fprintf(stdout, "ok: %d live records, indexes consistent\n", report.Live)
			return nil
		}
		fmt.Fprintf(stdout, "inconsistent: %s\n", report.Summary())
		if !c.Repair {
			return retrieval.ErrIndexInconsistency
		}
		fixed, err := rt.Engine.Repair(ctx, report)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "repaired %d entries\n", fixed)
		if !rt.Engine.Ready() {
			fmt.Fprintln(stdout, "re-embedding missing vectors in the background")
			return <-rt.Engine.Rebuild()
		}
		return nil
	})
}

// ─── rebuild ─────────────────────────────────────────────────────────────────

type rebuildCmd struct{}

func (c *rebuildCmd) Run(ctx context.Context, g *Globals) error {
	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		done := rt.Engine.Rebuild()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		st := rt.Engine.RebuildStatus()
		fmt.Fprintf(stdout, "rebuilt %s: %d records, %d embedded\n", st.Version, st.Processed, st.Embedded)
		if st.Failed > 0 {
			fmt.Fprintf(stdout, "%d records failed to embed and will be retried\n", st.Failed)
		}
		return nil
	})
}

// ─── stats ───────────────────────────────────────────────────────────────────

type statsCmd struct{}

func (c *statsCmd) Run(ctx context.Context, g *Globals) error {
	return g.withRuntime(ctx, func(rt *server.Runtime) error {
		st, err := rt.Engine.Stats(ctx)
		if err != nil {
			return err
		}
		code, err := codeindex.LoadStats(ctx, rt.Store)
		if err != nil {
			return err
		}
		return writeJSON(struct {
			*retrieval.Stats
			CodeIndex *codeindex.Stats `json:"code_index,omitempty"`
		}{st, code})
	})
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
