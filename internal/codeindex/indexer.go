package codeindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/memory"
)

// StatsKey is the meta key holding the JSON stats of the last index run.
const StatsKey = "code_index_stats"

// Config controls walking and chunking.
type Config struct {
	MaxFileSize  int64 `yaml:"max_file_size"`
	ChunkLines   int   `yaml:"chunk_lines"`
	ChunkOverlap int   `yaml:"chunk_overlap"`
	// Concurrency bounds how many files are read and parsed at once.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns 300-line chunks overlapping by 50 and a 10 MB file cap.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:  10 << 20,
		ChunkLines:   300,
		ChunkOverlap: 50,
		Concurrency:  runtime.GOMAXPROCS(0),
	}
}

// Stats summarizes one index run.
type Stats struct {
	Root       string    `json:"root"`
	Files      int       `json:"files"`
	Chunks     int       `json:"chunks"`
	Symbols    int       `json:"symbols"`
	Endpoints  int       `json:"endpoints"`
	Duplicates int       `json:"duplicates"`
	Superseded int       `json:"superseded"`
	Pending    int       `json:"pending"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Indexer feeds project files into the ingestion pipeline.
type Indexer struct {
	// mu serializes runs so two re-indexes of one file never interleave
	// their stale-record sweeps.
	mu sync.Mutex

	pipe  *ingest.Pipeline
	store *memory.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Indexer)

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) {
		if now != nil {
			ix.now = now
		}
	}
}

// New creates an indexer. Zero config fields take their defaults.
func New(pipe *ingest.Pipeline, store *memory.Store, cfg Config, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.ChunkLines <= 0 {
		cfg.ChunkLines = def.ChunkLines
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkLines {
		cfg.ChunkOverlap = min(def.ChunkOverlap, cfg.ChunkLines/2)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	ix := &Indexer{
		pipe:  pipe,
		store: store,
		cfg:   cfg,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index walks root (or root/scope) and ingests every indexable file.
func (ix *Indexer) Index(ctx context.Context, root, scope string) (*Stats, error) {
	files, err := Walk(root, scope, ix.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}
	return ix.run(ctx, root, files)
}

// IndexFiles re-indexes the given paths, relative to root. Paths that no
// longer exist or are not indexable are skipped.
func (ix *Indexer) IndexFiles(ctx context.Context, root string, relPaths []string) (*Stats, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("codeindex: root: %w", err)
	}
	seen := make(map[string]struct{}, len(relPaths))
	var files []File
	for _, rel := range relPaths {
		path := filepath.Join(abs, filepath.FromSlash(rel))
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		if f, ok := stat(abs, path, ix.cfg.MaxFileSize); ok {
			files = append(files, f)
		}
	}
	return ix.run(ctx, root, files)
}

// LoadStats returns the stats of the last run stored in meta, or nil.
func LoadStats(ctx context.Context, store *memory.Store) (*Stats, error) {
	raw, ok, err := store.Meta(ctx, StatsKey)
	if err != nil || !ok {
		return nil, err
	}
	var st Stats
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("codeindex: decode stats: %w", err)
	}
	return &st, nil
}

// parsedFile is everything one file contributes, in ingest order.
type parsedFile struct {
	file      File
	requests  []ingest.Request
	chunks    int
	symbols   int
	endpoints int
}

func (ix *Indexer) run(ctx context.Context, root string, files []File) (*Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	parsed := make([]*parsedFile, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := ix.parse(f)
			if err != nil {
				ix.log.Warn("codeindex: skipping unreadable file", "path", f.RelPath, "error", err)
				return nil
			}
			parsed[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("codeindex: parse: %w", err)
	}

	st := &Stats{Root: root}
	for _, p := range parsed {
		if p == nil {
			continue
		}
		if err := ix.ingestFile(ctx, p, st); err != nil {
			return st, err
		}
	}
	st.UpdatedAt = ix.now()

	raw, err := json.Marshal(st)
	if err != nil {
		return st, fmt.Errorf("codeindex: encode stats: %w", err)
	}
	if err := ix.store.SetMeta(ctx, StatsKey, string(raw)); err != nil {
		return st, fmt.Errorf("codeindex: save stats: %w", err)
	}
	ix.log.Info("codeindex: run finished",
		"root", root, "files", st.Files, "chunks", st.Chunks, "symbols", st.Symbols,
		"endpoints", st.Endpoints, "duplicates", st.Duplicates, "superseded", st.Superseded,
		"duration", time.Since(start))
	return st, nil
}

// parse reads a file and builds its records: symbols and endpoints first so
// their stronger importance lands before the chunks that repeat them.
func (ix *Indexer) parse(f File) (*parsedFile, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, errors.New("binary content")
	}
	content := string(data)
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "�")
	}
	lines := SplitLines(content)

	p := &parsedFile{file: f}
	for _, s := range ExtractSymbols(f.RelPath, f.Language, lines) {
		p.requests = append(p.requests, ingest.Request{Text: s.Text(), Kind: memory.KindCodeSymbol, SourceRef: s.SourceRef()})
		p.symbols++
	}
	for _, e := range ExtractEndpoints(f.RelPath, f.Language, lines) {
		p.requests = append(p.requests, ingest.Request{Text: e.Text(), Kind: memory.KindCodeEndpoint, SourceRef: e.SourceRef()})
		p.endpoints++
	}
	for _, c := range ChunkLines(f.RelPath, f.Language, lines, ix.cfg.ChunkLines, ix.cfg.ChunkOverlap) {
		p.requests = append(p.requests, ingest.Request{Text: c.Text(), Kind: memory.KindCodeChunk, SourceRef: c.SourceRef()})
		p.chunks++
	}
	return p, nil
}

// ingestFile ingests one file's records, then supersedes the file's live
// code records this run did not reproduce.
func (ix *Indexer) ingestFile(ctx context.Context, p *parsedFile, st *Stats) error {
	produced := make(map[string]struct{}, len(p.requests))
	var first string
	for _, req := range p.requests {
		res, err := ix.pipe.Ingest(ctx, req)
		if errors.Is(err, ingest.ErrEmptyText) {
			continue
		}
		if err != nil {
			return fmt.Errorf("codeindex: ingest %s: %w", req.SourceRef, err)
		}
		if first == "" {
			first = res.ID
		}
		produced[res.ID] = struct{}{}
		if res.Duplicate {
			st.Duplicates++
		}
		if res.Pending {
			st.Pending++
		}
	}
	st.Files++
	st.Chunks += p.chunks
	st.Symbols += p.symbols
	st.Endpoints += p.endpoints

	if first == "" {
		return nil
	}
	existing, err := ix.store.LiveBySource(ctx, p.file.RelPath, memory.CodeKinds()...)
	if err != nil {
		return fmt.Errorf("codeindex: stale records of %s: %w", p.file.RelPath, err)
	}
	for _, r := range existing {
		if _, ok := produced[r.ID]; ok {
			continue
		}
		if err := ix.pipe.Supersede(ctx, r.ID, first); err != nil {
			return fmt.Errorf("codeindex: retire %s: %w", r.ID, err)
		}
		st.Superseded++
	}
	return nil
}
