// Package ingest is the single write path of the retrieval engine: it
// normalizes text, deduplicates against live records, assigns importance,
// appends to the record log and then updates both indexes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/metrics"
	"github.com/HendryAvila/recall/internal/scoring"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

// ErrEmptyText is returned when the text is empty after normalization.
var ErrEmptyText = errors.New("ingest: empty text")

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds ingestion policy.
type Config struct {
	MaxTextLength int
	// DedupThreshold: a live record at least this similar is a duplicate.
	DedupThreshold float64
	// SupersedeThreshold..DedupThreshold is the band in which a weaker
	// existing record is superseded by the new one.
	SupersedeThreshold     float64
	SupersedeMaxImportance float64
	// ProbeSize is the vector top-k of the near-duplicate probe.
	ProbeSize int
	// NearDuplicateKinds get the similarity probe; other kinds only dedup
	// on exact normalized text.
	NearDuplicateKinds []memory.Kind

	EmbedTimeout  time.Duration
	EmbedAttempts int
	EmbedBackoff  time.Duration
	// RetryBatch is how many pending records each ingest call retries.
	RetryBatch int
}

// DefaultConfig returns the default ingestion policy.
func DefaultConfig() Config {
	return Config{
		MaxTextLength:          8000,
		DedupThreshold:         0.95,
		SupersedeThreshold:     0.85,
		SupersedeMaxImportance: 0.4,
		ProbeSize:              10,
		NearDuplicateKinds:     []memory.Kind{memory.KindMemoryFact},
		EmbedTimeout:           10 * time.Second,
		EmbedAttempts:          3,
		EmbedBackoff:           200 * time.Millisecond,
		RetryBatch:             4,
	}
}

// ─── Types ───────────────────────────────────────────────────────────────────

// Request is one ingest call. Importance, when set, overrides the heuristic.
type Request struct {
	Text       string
	Kind       memory.Kind
	Importance *float64
	SourceRef  string
}

// Result reports the outcome of an ingest. Duplicate is a signal, not an
// error: ID then names the existing record. Pending means the record is
// stored but still owes index work (unindexed, or indexed without a vector).
type Result struct {
	ID         string `json:"id"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Superseded string `json:"superseded,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
}

// ─── Pipeline ────────────────────────────────────────────────────────────────

// Pipeline serializes all writes of one scope behind a single mutex.
type Pipeline struct {
	mu sync.Mutex

	store   *memory.Store
	lex     *lexical.Index
	active  *vectorindex.Active
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	// dirty is set while records owe index work, so ingests know to retry.
	dirty atomic.Bool
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		p.newID = gen
	}
}

// New creates a pipeline over the store, lexical index and active vector
// generation.
func New(store *memory.Store, lex *lexical.Index, active *vectorindex.Active, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = store.MaxTextLength()
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = def.DedupThreshold
	}
	if cfg.SupersedeThreshold <= 0 {
		cfg.SupersedeThreshold = def.SupersedeThreshold
	}
	if cfg.ProbeSize <= 0 {
		cfg.ProbeSize = def.ProbeSize
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	if cfg.EmbedAttempts <= 0 {
		cfg.EmbedAttempts = def.EmbedAttempts
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = def.RetryBatch
	}

	p := &Pipeline{
		store:  store,
		lex:    lex,
		active: active,
		cfg:    cfg,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	// Records left pending by a previous process are picked up on first use.
	p.dirty.Store(true)
	return p
}

// MarkDirty makes the next ingest retry pending and unembedded records first.
func (p *Pipeline) MarkDirty() { p.dirty.Store(true) }

// Exclusive runs fn while holding the writer lock.
func (p *Pipeline) Exclusive(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// Ingest stores text as a new record unless an equivalent live record of the
// same kind exists.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	kind, text, err := p.prepare(req)
	if err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dirty.Load() {
		p.retryLocked(ctx, p.cfg.RetryBatch, 1, false)
	}

	importance := p.importance(kind, text, req.Importance, 0)
	res, err := p.ingestLocked(ctx, kind, text, importance, req.SourceRef, true)
	if err != nil {
		p.metrics.RecordIngest(string(kind), "error")
		return res, err
	}
	p.metrics.RecordIngest(string(kind), outcome(res))
	return res, nil
}

// Correct records text as the replacement of oldID. The old record stays
// readable by id but leaves both indexes.
func (p *Pipeline) Correct(ctx context.Context, oldID string, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, err := p.store.Get(ctx, oldID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: correct: %w", err)
	}
	if !old.Live() {
		return Result{}, fmt.Errorf("ingest: correct: %s already superseded by %s", oldID, *old.SupersededBy)
	}
	if req.Kind == "" {
		req.Kind = old.Kind
	}
	if req.SourceRef == "" {
		req.SourceRef = old.SourceRef
	}
	kind, text, err := p.prepare(req)
	if err != nil {
		return Result{}, err
	}
	if kind == old.Kind && memory.HashNormalized(text) == memory.HashNormalized(old.Text) {
		return Result{}, errors.New("ingest: correct: replacement text is identical to the original")
	}

	// A correction never weighs less than what it corrects.
	importance := p.importance(kind, text, req.Importance, old.Importance)
	res, err := p.ingestLocked(ctx, kind, text, importance, req.SourceRef, false)
	if err != nil {
		return res, err
	}
	if err := p.supersedeLocked(ctx, p.active.Load(), oldID, res.ID); err != nil {
		return res, fmt.Errorf("ingest: correct: %w", err)
	}
	res.Superseded = oldID
	p.metrics.RecordIngest(string(kind), "corrected")
	return res, nil
}

// Supersede marks oldID as replaced by newID and drops it from both
// indexes. Code re-indexing uses it to retire records a changed file no
// longer produces.
func (p *Pipeline) Supersede(ctx context.Context, oldID, newID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.supersedeLocked(ctx, p.active.Load(), oldID, newID); err != nil {
		return fmt.Errorf("ingest: supersede: %w", err)
	}
	return nil
}

// RetryPending indexes records left unindexed and re-embeds live records
// missing a vector for the active embedder. It returns how many records
// were repaired.
func (p *Pipeline) RetryPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryLocked(ctx, limit, p.cfg.EmbedAttempts, true), ctx.Err()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func (p *Pipeline) prepare(req Request) (memory.Kind, string, error) {
	kind, err := memory.ParseKind(string(req.Kind))
	if err != nil {
		return "", "", fmt.Errorf("ingest: %w", err)
	}
	text := memory.NormalizeText(req.Text)
	if text == "" {
		return "", "", ErrEmptyText
	}
	if req.Importance != nil && math.IsNaN(*req.Importance) {
		return "", "", errors.New("ingest: importance is NaN")
	}
	return kind, memory.Truncate(text, p.cfg.MaxTextLength), nil
}

func (p *Pipeline) importance(kind memory.Kind, text string, hint *float64, floor float64) float64 {
	if hint != nil {
		return clamp01(*hint)
	}
	return math.Max(Importance(kind, text), floor)
}

func (p *Pipeline) ingestLocked(ctx context.Context, kind memory.Kind, text string, importance float64, sourceRef string, probe bool) (Result, error) {
	if existing, err := p.store.FindLive(ctx, kind, text); err == nil {
		return Result{ID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, memory.ErrNotFound) {
		return Result{}, fmt.Errorf("ingest: %w", err)
	}

	gen := p.active.Load()
	vec, embedErr := p.embed(ctx, gen.Embedder, text, p.cfg.EmbedAttempts)
	if embedErr != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("ingest: %w", err)
		}
		p.metrics.RecordEmbedFailure("ingest")
		p.log.Warn("embedding failed, indexing lexically only", "kind", kind, "error", embedErr)
	}

	var supersede []string
	if probe && p.probes(kind) {
		best, targets, err := p.probe(ctx, gen, kind, text, vec, importance)
		if err != nil {
			return Result{}, fmt.Errorf("ingest: probe: %w", err)
		}
		if best.id != "" && best.sim >= p.cfg.DedupThreshold {
			return Result{ID: best.id, Duplicate: true}, nil
		}
		supersede = targets
	}

	rec := memory.Record{
		ID:         p.newID(),
		Kind:       kind,
		Text:       text,
		Importance: importance,
		SourceRef:  sourceRef,
		CreatedAt:  p.now(),
	}
	if err := p.store.Append(ctx, rec); err != nil {
		if errors.Is(err, memory.ErrDuplicateText) {
			if existing, ferr := p.store.FindLive(ctx, kind, text); ferr == nil {
				return Result{ID: existing.ID, Duplicate: true}, nil
			}
		}
		return Result{}, fmt.Errorf("ingest: append: %w", err)
	}

	res := Result{ID: rec.ID}
	if err := p.index(ctx, gen, rec, vec); err != nil {
		p.dirty.Store(true)
		p.log.Warn("indexing failed, record left pending", "id", rec.ID, "error", err)
		res.Pending = true
		return res, nil
	}
	if vec == nil {
		p.dirty.Store(true)
		res.Pending = true
	}

	for _, oldID := range supersede {
		if err := p.supersedeLocked(ctx, gen, oldID, rec.ID); err != nil {
			p.log.Warn("supersede failed", "old", oldID, "new", rec.ID, "error", err)
			continue
		}
		p.log.Debug("superseded near-duplicate", "old", oldID, "new", rec.ID)
		if res.Superseded == "" {
			res.Superseded = oldID
		}
	}
	return res, nil
}

func (p *Pipeline) embed(ctx context.Context, emb embedder.Embedder, text string, attempts int) ([]float32, error) {
	return embedder.EmbedWithRetry(ctx, emb, text, embedder.Retry{
		Attempts: attempts,
		Backoff:  p.cfg.EmbedBackoff,
		Timeout:  p.cfg.EmbedTimeout,
	})
}

func (p *Pipeline) probes(kind memory.Kind) bool {
	for _, k := range p.cfg.NearDuplicateKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type probeMatch struct {
	id  string
	sim float64
}

// probe compares text against the vector and lexical neighbours of the same
// kind. It returns the most similar live record (ties to the smaller id) and
// the records the new one should supersede.
func (p *Pipeline) probe(ctx context.Context, gen *vectorindex.Generation, kind memory.Kind, text string, vec []float32, importance float64) (probeMatch, []string, error) {
	ids := make(map[string]struct{})
	if vec != nil {
		matches, err := gen.Index.Query(ctx, vec, p.cfg.ProbeSize, string(kind))
		if err != nil {
			return probeMatch{}, nil, err
		}
		for _, m := range matches {
			ids[m.ID] = struct{}{}
		}
	}
	lexIDs, err := p.lex.Query(ctx, lexical.Terms(text), 4*p.cfg.ProbeSize, string(kind))
	if err != nil {
		return probeMatch{}, nil, err
	}
	for _, id := range lexIDs {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return probeMatch{}, nil, nil
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	records, err := p.store.GetMany(ctx, sorted)
	if err != nil {
		return probeMatch{}, nil, err
	}

	self := scoring.NewComparable(text, vec)
	var best probeMatch
	var supersede []string
	for _, id := range sorted {
		r, ok := records[id]
		if !ok || !r.Live() || !r.Indexed || r.Kind != kind {
			continue
		}
		var other []float32
		if vec != nil {
			other, _ = gen.Index.Vector(id)
		}
		sim := scoring.Similarity(self, scoring.NewComparable(r.Text, other))
		if best.id == "" || sim > best.sim {
			best = probeMatch{id: id, sim: sim}
		}
		if sim >= p.cfg.SupersedeThreshold && sim < p.cfg.DedupThreshold &&
			r.Importance <= p.cfg.SupersedeMaxImportance && r.Importance < importance {
			supersede = append(supersede, id)
		}
	}
	return best, supersede, nil
}

// index writes the vector artifact and both index entries, then marks the
// record indexed. On failure every partial entry is removed again.
func (p *Pipeline) index(ctx context.Context, gen *vectorindex.Generation, rec memory.Record, vec []float32) error {
	version := ""
	if vec != nil {
		if err := p.store.PutVector(ctx, rec.ID, gen.Version, vec); err != nil {
			return err
		}
		if err := gen.Index.Upsert(ctx, vectorindex.Entry{ID: rec.ID, Kind: string(rec.Kind), Vector: vec}); err != nil {
			p.rollback(gen, rec.ID)
			return err
		}
		version = gen.Version
	}
	if err := p.lex.Upsert(ctx, rec.ID, string(rec.Kind), rec.Text); err != nil {
		p.rollback(gen, rec.ID)
		return err
	}
	if err := p.store.MarkIndexed(ctx, rec.ID, version); err != nil {
		p.rollback(gen, rec.ID)
		return err
	}
	return nil
}

func (p *Pipeline) rollback(gen *vectorindex.Generation, id string) {
	// The request context may already be done; cleanup must still run.
	ctx := context.Background()
	if err := gen.Index.Delete(ctx, id); err != nil {
		p.log.Warn("rollback: vector index delete failed", "id", id, "error", err)
	}
	if err := p.lex.Delete(ctx, id); err != nil {
		p.log.Warn("rollback: lexical delete failed", "id", id, "error", err)
	}
	if err := p.store.DeleteVector(ctx, id, gen.Version); err != nil {
		p.log.Warn("rollback: vector artifact delete failed", "id", id, "error", err)
	}
}

func (p *Pipeline) supersedeLocked(ctx context.Context, gen *vectorindex.Generation, oldID, newID string) error {
	if err := p.store.Supersede(ctx, oldID, newID); err != nil {
		return err
	}
	if err := gen.Index.Delete(ctx, oldID); err != nil {
		return err
	}
	return p.lex.Delete(ctx, oldID)
}

// retryLocked works through pending records. With sweep set it also
// re-embeds live records that lack a vector for a ready generation.
func (p *Pipeline) retryLocked(ctx context.Context, limit, attempts int, sweep bool) int {
	gen := p.active.Load()
	repaired := 0

	pending, err := p.store.Unindexed(ctx, limit)
	if err != nil {
		p.log.Warn("retry: list unindexed failed", "error", err)
		return 0
	}
	for _, r := range pending {
		vec, embedErr := p.embed(ctx, gen.Embedder, r.Text, attempts)
		if embedErr != nil {
			vec = nil
		}
		if err := p.index(ctx, gen, r, vec); err != nil {
			p.log.Warn("retry: indexing failed", "id", r.ID, "error", err)
			continue
		}
		repaired++
	}

	if sweep && gen.Ready {
		missing, err := p.store.MissingVectors(ctx, gen.Version, limit)
		if err != nil {
			p.log.Warn("retry: list missing vectors failed", "error", err)
		}
		for _, r := range missing {
			vec, err := p.embed(ctx, gen.Embedder, r.Text, attempts)
			if err != nil {
				p.metrics.RecordEmbedFailure("retry")
				p.log.Warn("retry: re-embed failed, will try again later", "id", r.ID, "error", err)
				break
			}
			if err := p.reembed(ctx, gen, r, vec); err != nil {
				p.log.Warn("retry: re-embed indexing failed", "id", r.ID, "error", err)
				continue
			}
			repaired++
		}
	}

	if st, err := p.store.Stats(ctx, gen.Version); err == nil {
		remaining := st.Unindexed + st.Unembedded
		p.metrics.SetPending(remaining)
		p.dirty.Store(st.Unindexed > 0 || (gen.Ready && st.Unembedded > 0))
	}
	if repaired > 0 {
		p.log.Info("pending records repaired", "count", repaired)
	}
	return repaired
}

func (p *Pipeline) reembed(ctx context.Context, gen *vectorindex.Generation, r memory.Record, vec []float32) error {
	if err := p.store.PutVector(ctx, r.ID, gen.Version, vec); err != nil {
		return err
	}
	if err := gen.Index.Upsert(ctx, vectorindex.Entry{ID: r.ID, Kind: string(r.Kind), Vector: vec}); err != nil {
		return err
	}
	return p.store.SetEmbeddingVersion(ctx, r.ID, gen.Version)
}

func outcome(r Result) string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Pending:
		return "pending"
	default:
		return "indexed"
	}
}
