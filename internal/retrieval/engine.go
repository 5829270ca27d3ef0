// Package retrieval is the read-side facade of the engine. It owns the
// record store's indexes for one scope, answers ranked queries, keeps the
// indexes consistent with the store and rebuilds them in the background
// when the embedder changes.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/metrics"
	"github.com/HendryAvila/recall/internal/scoring"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

var (
	// ErrNotReady is returned by Retrieve while the vector index for the
	// current embedder version is still being built. Retry with LexicalOnly.
	ErrNotReady = errors.New("retrieval: vector index not ready for current embedder version")

	// ErrIndexInconsistency reports a mismatch between the store and an index.
	ErrIndexInconsistency = errors.New("retrieval: index inconsistency")

	ErrEmptyQuery = errors.New("retrieval: empty query")
	ErrClosed     = errors.New("retrieval: engine closed")
)

// Meta keys.
const (
	metaActiveVersion = "active_embedding_version"
	metaRebuildCursor = "rebuild_cursor:"
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds retrieval configuration.
type Config struct {
	// Backend selects the vector index implementation (flat or chromem).
	Backend string
	// CandidatePool is the vector top-N merged into the candidate set.
	CandidatePool int
	// LexicalPool caps lexical matches merged into the candidate set.
	LexicalPool int
	// QueryTimeout bounds the query embedding; past it retrieval degrades
	// to lexical-only.
	QueryTimeout time.Duration
	// CacheEntries sizes the query embedding cache. Zero disables it.
	CacheEntries int64
	RebuildBatch int

	Scoring scoring.Options
	Ingest  ingest.Config
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		Backend:       vectorindex.BackendFlat,
		CandidatePool: 50,
		LexicalPool:   200,
		QueryTimeout:  2 * time.Second,
		CacheEntries:  1024,
		RebuildBatch:  64,
		Scoring:       scoring.NewOptions(),
		Ingest:        ingest.DefaultConfig(),
	}
}

// ─── Types ───────────────────────────────────────────────────────────────────

// Query is one retrieval request. Kinds, when set, restrict candidates
// before scoring. Limit <= 0 uses the configured default.
type Query struct {
	Text        string
	Kinds       []memory.Kind
	Limit       int
	LexicalOnly bool
}

// Hit is a ranked, hydrated record.
type Hit struct {
	Record     memory.Record `json:"record"`
	Score      float64       `json:"score"`
	Similarity float64       `json:"similarity"`
	KeywordHit bool          `json:"keyword_hit"`
}

// Response carries ranked hits. Degraded is set when the vector channel was
// skipped because the query could not be embedded in time.
type Response struct {
	Hits     []Hit `json:"hits"`
	Degraded bool  `json:"degraded,omitempty"`
}

// Stats extends the store statistics with index state.
type Stats struct {
	*memory.Stats
	ActiveVersion  string        `json:"active_version"`
	Ready          bool          `json:"ready"`
	Backend        string        `json:"backend"`
	Vectors        int           `json:"vectors"`
	Lexical        int           `json:"lexical"`
	PendingTouches int           `json:"pending_touches"`
	Rebuild        RebuildStatus `json:"rebuild"`
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine serves one scope. Retrieve is safe for concurrent use and never
// takes the ingestion writer lock.
type Engine struct {
	store   *memory.Store
	lex     *lexical.Index
	active  *vectorindex.Active
	pipe    *ingest.Pipeline
	scorer  *scoring.Scorer
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cache   *ristretto.Cache

	// touches buffers last_seen_at updates: record id -> time.Time.
	touches sync.Map

	rebuilder *Rebuilder
	closeOnce sync.Once
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock replaces time.Now for recency and touch timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Open builds or loads the indexes of store for emb and returns a running
// engine. When the stored vectors belong to another embedder version the
// engine starts not ready and rebuilds in the background.
func Open(ctx context.Context, store *memory.Store, emb embedder.Embedder, cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = def.CandidatePool
	}
	if cfg.LexicalPool <= 0 {
		cfg.LexicalPool = def.LexicalPool
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.RebuildBatch <= 0 {
		cfg.RebuildBatch = def.RebuildBatch
	}
	if cfg.Scoring.DefaultLimit <= 0 {
		cfg.Scoring = def.Scoring
	}
	if cfg.Ingest.EmbedAttempts <= 0 {
		cfg.Ingest.EmbedAttempts = def.Ingest.EmbedAttempts
	}
	if cfg.Ingest.EmbedTimeout <= 0 {
		cfg.Ingest.EmbedTimeout = def.Ingest.EmbedTimeout
	}

	e := &Engine{
		store: store,
		cfg:   cfg,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("scope", store.Scope())

	lex, err := lexical.New(ctx, store.DB())
	if err != nil {
		return nil, err
	}
	e.lex = lex

	e.scorer = scoring.New(
		scoring.WithWeights(cfg.Scoring.Weights),
		scoring.WithHalfLife(cfg.Scoring.HalfLife),
		scoring.WithDedupThreshold(cfg.Scoring.DedupThreshold),
		scoring.WithDefaultLimit(cfg.Scoring.DefaultLimit),
	)

	if cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheEntries * 10,
			MaxCost:     cfg.CacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: query cache: %w", err)
		}
		e.cache = cache
	}

	gen, err := e.loadGeneration(ctx, emb)
	if err != nil {
		return nil, err
	}
	e.active = vectorindex.NewActive(gen)

	ingestCfg := cfg.Ingest
	if ingestCfg.DedupThreshold <= 0 {
		ingestCfg.DedupThreshold = cfg.Scoring.DedupThreshold
	}
	e.pipe = ingest.New(store, lex, e.active, ingestCfg,
		ingest.WithLogger(e.log),
		ingest.WithMetrics(e.metrics),
		ingest.WithClock(e.now),
	)

	e.rebuilder = newRebuilder(e)
	e.rebuilder.start()

	if !gen.Ready {
		e.log.Info("embedder version changed, rebuilding vector index in background", "version", gen.Version)
		e.rebuilder.Schedule(emb)
	}

	report, err := e.Check(ctx)
	if errors.Is(err, ErrIndexInconsistency) {
		e.log.Warn("index inconsistency detected at startup, repairing", "report", report.Summary())
		if _, err := e.Repair(ctx, report); err != nil {
			e.Close(ctx)
			return nil, fmt.Errorf("retrieval: startup repair: %w", err)
		}
	} else if err != nil {
		e.Close(ctx)
		return nil, err
	}

	if n, err := e.pipe.RetryPending(ctx, 0); err != nil {
		e.log.Warn("retrying pending records failed", "error", err)
	} else if n > 0 {
		e.log.Info("pending records indexed at startup", "count", n)
	}
	return e, nil
}

// loadGeneration builds the first generation from the stored vectors of
// emb's version.
func (e *Engine) loadGeneration(ctx context.Context, emb embedder.Embedder) (*vectorindex.Generation, error) {
	version := emb.Version()
	idx, err := vectorindex.New(e.cfg.Backend, version)
	if err != nil {
		return nil, err
	}

	stored, ok, err := e.store.Meta(ctx, metaActiveVersion)
	if err != nil {
		return nil, err
	}
	ready := ok && stored == version
	if !ok {
		st, err := e.store.Stats(ctx, version)
		if err != nil {
			return nil, err
		}
		if st.Total == 0 {
			if err := e.store.SetMeta(ctx, metaActiveVersion, version); err != nil {
				return nil, err
			}
			ready = true
		}
	}

	if ready {
		loaded := 0
		err := e.store.ForEachVector(ctx, version, func(id string, kind memory.Kind, vec []float32) error {
			loaded++
			return idx.Upsert(ctx, vectorindex.Entry{ID: id, Kind: string(kind), Vector: vec})
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: load vectors: %w", err)
		}
		e.log.Debug("vector index loaded", "version", version, "vectors", loaded)
	}

	return &vectorindex.Generation{Version: version, Index: idx, Embedder: emb, Ready: ready}, nil
}

// Pipeline returns the ingestion pipeline writing into this engine's indexes.
func (e *Engine) Pipeline() *ingest.Pipeline { return e.pipe }

// Store returns the underlying record store.
func (e *Engine) Store() *memory.Store { return e.store }

// Ingest forwards to the pipeline.
func (e *Engine) Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error) {
	return e.pipe.Ingest(ctx, req)
}

// Correct forwards to the pipeline.
func (e *Engine) Correct(ctx context.Context, oldID string, req ingest.Request) (ingest.Result, error) {
	return e.pipe.Correct(ctx, oldID, req)
}

// Capture forwards to the pipeline.
func (e *Engine) Capture(ctx context.Context, turn ingest.Turn) (*ingest.CaptureResult, error) {
	return e.pipe.Capture(ctx, turn)
}

// Get returns a record by id, superseded or not.
func (e *Engine) Get(ctx context.Context, id string) (*memory.Record, error) {
	return e.store.Get(ctx, id)
}

// ─── Retrieve ────────────────────────────────────────────────────────────────

// Retrieve returns the best live records for q, at most the budget limit,
// in descending score order.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	kinds, err := kindFilter(q.Kinds)
	if err != nil {
		return nil, err
	}

	gen := e.active.Load()
	if !gen.Ready && !q.LexicalOnly {
		return nil, ErrNotReady
	}

	resp := &Response{}
	mode := "hybrid"

	var qvec []float32
	if !q.LexicalOnly {
		qvec, err = e.embedQuery(ctx, gen, text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.metrics.RecordEmbedFailure("retrieve")
			e.log.Warn("query embedding failed, degrading to lexical-only", "error", err)
			resp.Degraded = true
			qvec = nil
		}
	}

	similarity := make(map[string]float64)
	if qvec != nil {
		matches, err := gen.Index.Query(ctx, qvec, e.cfg.CandidatePool, kinds...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.log.Warn("vector query failed, degrading to lexical-only", "error", err)
			resp.Degraded = true
			qvec = nil
		}
		for _, m := range matches {
			similarity[m.ID] = m.Similarity
		}
	}
	if qvec == nil {
		mode = "lexical"
	}

	keywords := lexical.Terms(text)
	lexIDs, err := e.lex.Query(ctx, keywords, e.cfg.LexicalPool, kinds...)
	if err != nil {
		return nil, fmt.Errorf("retrieval: lexical query: %w", err)
	}

	ids := make([]string, 0, len(similarity)+len(lexIDs))
	for id := range similarity {
		ids = append(ids, id)
	}
	for _, id := range lexIDs {
		if _, ok := similarity[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	records, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: hydrate: %w", err)
	}

	allowed := kindSet(kinds)
	candidates := make([]scoring.Candidate, 0, len(ids))
	for _, id := range ids {
		r, ok := records[id]
		if !ok || !r.Live() || !r.Indexed {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[string(r.Kind)]; !ok {
				continue
			}
		}
		c := scoring.Candidate{
			ID:         r.ID,
			Text:       r.Text,
			Importance: r.Importance,
			CreatedAt:  r.CreatedAt,
			LastSeenAt: r.LastSeenAt,
		}
		if qvec != nil {
			if v, ok := gen.Index.Vector(id); ok {
				c.Vector = v
				if sim, ok := similarity[id]; ok {
					c.Similarity = sim
				} else {
					c.Similarity = vectorindex.UnitSimilarity(vectorindex.Cosine(qvec, v))
				}
			}
		}
		candidates = append(candidates, c)
	}

	ranked := e.scorer.Rank(candidates, scoring.Query{Keywords: keywords, Now: e.now()}, scoring.Budget{Limit: q.Limit})

	seenAt := e.now()
	resp.Hits = make([]Hit, 0, len(ranked))
	for _, s := range ranked {
		resp.Hits = append(resp.Hits, Hit{
			Record:     records[s.ID],
			Score:      s.Score,
			Similarity: s.Similarity,
			KeywordHit: s.KeywordHit,
		})
		e.touches.Store(s.ID, seenAt)
	}

	e.metrics.RecordRetrieve(mode, time.Since(start))
	return resp, nil
}

// embedQuery embeds the whitespace-normalized query text under QueryTimeout.
// The cache key is exactly the embedded text, so casing is kept distinct.
func (e *Engine) embedQuery(ctx context.Context, gen *vectorindex.Generation, text string) ([]float32, error) {
	text = memory.NormalizeText(text)
	key := gen.Version + "\x00" + text
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			e.metrics.RecordQueryCache(true)
			return v.([]float32), nil
		}
		e.metrics.RecordQueryCache(false)
	}

	vec, err := embedder.EmbedWithRetry(ctx, gen.Embedder, text, embedder.Retry{
		Attempts: 1,
		Timeout:  e.cfg.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, vec, 1)
	}
	return vec, nil
}

func kindFilter(kinds []memory.Kind) ([]string, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parsed, err := memory.ParseKind(string(k))
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		out = append(out, string(parsed))
	}
	return out, nil
}

func kindSet(kinds []string) map[string]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// ─── Touches ─────────────────────────────────────────────────────────────────

// FlushTouches writes buffered last_seen_at updates to the store. Updates
// racing with the flush land in the next one.
func (e *Engine) FlushTouches(ctx context.Context) error {
	seen := make(map[string]time.Time)
	e.touches.Range(func(k, v any) bool {
		seen[k.(string)] = v.(time.Time)
		e.touches.CompareAndDelete(k, v)
		return true
	})
	if len(seen) == 0 {
		return nil
	}
	if err := e.store.Touch(ctx, seen); err != nil {
		for id, at := range seen {
			e.touches.LoadOrStore(id, at)
		}
		return fmt.Errorf("retrieval: flush touches: %w", err)
	}
	return nil
}

func (e *Engine) pendingTouches() int {
	n := 0
	e.touches.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Stats reports store counts and index state.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	gen := e.active.Load()
	st, err := e.store.Stats(ctx, gen.Version)
	if err != nil {
		return nil, err
	}
	lexCount, err := e.lex.Count(ctx)
	if err != nil {
		return nil, err
	}
	e.metrics.SetPending(st.Unindexed + st.Unembedded)
	return &Stats{
		Stats:          st,
		ActiveVersion:  gen.Version,
		Ready:          gen.Ready,
		Backend:        e.backend(),
		Vectors:        gen.Index.Len(),
		Lexical:        lexCount,
		PendingTouches: e.pendingTouches(),
		Rebuild:        e.rebuilder.Status(),
	}, nil
}

func (e *Engine) backend() string {
	if e.cfg.Backend == "" {
		return vectorindex.BackendFlat
	}
	return e.cfg.Backend
}

// Ready reports whether the active generation serves vector results.
func (e *Engine) Ready() bool { return e.active.Load().Ready }

// ActiveVersion returns the embedder version currently served.
func (e *Engine) ActiveVersion() string { return e.active.Load().Version }

// RetryPending forwards to the pipeline.
func (e *Engine) RetryPending(ctx context.Context, limit int) (int, error) {
	return e.pipe.RetryPending(ctx, limit)
}

// ─── Rebuild ─────────────────────────────────────────────────────────────────

// Rebuild schedules a rebuild of the vector index for the active embedder.
// The returned channel receives the outcome.
func (e *Engine) Rebuild() <-chan error {
	return e.rebuilder.Schedule(e.active.Load().Embedder)
}

// SwitchEmbedder schedules a rebuild for emb. Retrieval keeps serving the
// current generation until the new one is swapped in.
func (e *Engine) SwitchEmbedder(emb embedder.Embedder) <-chan error {
	e.log.Info("switching embedder", "from", e.ActiveVersion(), "to", emb.Version())
	return e.rebuilder.Schedule(emb)
}

// RebuildStatus reports the current or last rebuild.
func (e *Engine) RebuildStatus() RebuildStatus { return e.rebuilder.Status() }

// Close stops the rebuild worker and flushes buffered touches. The store is
// left open for its owner to close.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		if e.rebuilder != nil {
			e.rebuilder.stop()
		}
		err = e.FlushTouches(ctx)
		if e.cache != nil {
			e.cache.Close()
		}
	})
	return err
}
