package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/embedder/hash"
	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// ─── Embedders ───────────────────────────────────────────────────────────────

// tableEmbedder maps known texts to fixed vectors and everything else to a
// vector orthogonal to the table.
type tableEmbedder struct {
	vectors map[string][]float32
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 0, 1}, nil
}
func (e *tableEmbedder) Dimensions() int { return 5 }
func (e *tableEmbedder) Version() string { return "table:t1:5" }

// gatedEmbedder blocks every call until gate is closed.
type gatedEmbedder struct {
	embedder.Embedder
	gate chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-e.gate:
		return e.Embedder.Embed(ctx, text)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slowEmbedder sleeps for delay before embedding, honouring ctx.
type slowEmbedder struct {
	embedder.Embedder
	delay atomic.Int64
}

func (e *slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if d := time.Duration(e.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Embedder.Embed(ctx, text)
}

type countingEmbedder struct {
	embedder.Embedder
	calls atomic.Int32
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return e.Embedder.Embed(ctx, text)
}

// flakyEmbedder fails every text containing marker while broken is set.
type flakyEmbedder struct {
	embedder.Embedder
	marker string
	broken atomic.Bool
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.broken.Load() && strings.Contains(text, e.marker) {
		return nil, errors.New("provider rejected input")
	}
	return e.Embedder.Embed(ctx, text)
}

// recordingEmbedder remembers every text it was asked to embed.
type recordingEmbedder struct {
	embedder.Embedder
	mu    sync.Mutex
	texts []string
}

func (e *recordingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return e.Embedder.Embed(ctx, text)
}

func (e *recordingEmbedder) take() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.texts
	e.texts = nil
	return out
}

func hashEmbedder(dims int) embedder.Embedder {
	return hash.NewEmbedder(embedder.WithDimensions(dims))
}

// ─── Fixtures ────────────────────────────────────────────────────────────────

func openStore(t *testing.T, dir string) *memory.Store {
	t.Helper()
	s, err := memory.New(memory.Config{DataDir: dir, Scope: "test", MaxTextLength: 2000})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() retrieval.Config {
	cfg := retrieval.DefaultConfig()
	cfg.Ingest.EmbedBackoff = time.Millisecond
	return cfg
}

func openEngine(t *testing.T, s *memory.Store, emb embedder.Embedder, cfg retrieval.Config, opts ...retrieval.Option) *retrieval.Engine {
	t.Helper()
	e, err := retrieval.Open(context.Background(), s, emb, cfg, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func newTestEngine(t *testing.T, opts ...retrieval.Option) *retrieval.Engine {
	t.Helper()
	return openEngine(t, openStore(t, t.TempDir()), hashEmbedder(256), testConfig(), opts...)
}

func mustIngest(t *testing.T, e *retrieval.Engine, kind memory.Kind, text string, importance ...float64) string {
	t.Helper()
	req := ingest.Request{Text: text, Kind: kind}
	if len(importance) > 0 {
		req.Importance = &importance[0]
	}
	res, err := e.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest(%q): %v", text, err)
	}
	if res.Duplicate {
		t.Fatalf("Ingest(%q) unexpectedly duplicate of %s", text, res.ID)
	}
	return res.ID
}

func mustRetrieve(t *testing.T, e *retrieval.Engine, q retrieval.Query) *retrieval.Response {
	t.Helper()
	resp, err := e.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatalf("Retrieve(%q): %v", q.Text, err)
	}
	return resp
}

func hitIDs(resp *retrieval.Response) []string {
	ids := make([]string, len(resp.Hits))
	for i, h := range resp.Hits {
		ids[i] = h.Record.ID
	}
	return ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var facts = []string{
	"the api gateway retries idempotent requests three times",
	"database migrations run before every deploy",
	"feature flags are stored in the config service",
	"background jobs use a dedicated redis instance",
	"the billing worker batches invoices hourly",
	"request tracing ids propagate through the api gateway",
	"staging deploys happen automatically from main",
	"logs are shipped to the central collector",
	"api rate limits are enforced per tenant",
	"the search service rebuilds its index nightly",
}

// ─── Retrieve ────────────────────────────────────────────────────────────────

func TestRetrieve_Deterministic(t *testing.T) {
	e := newTestEngine(t)
	for _, f := range facts {
		mustIngest(t, e, memory.KindMemoryFact, f)
	}

	q := retrieval.Query{Text: "api gateway deploy", Limit: 5}
	first := hitIDs(mustRetrieve(t, e, q))
	second := hitIDs(mustRetrieve(t, e, q))
	if len(first) == 0 {
		t.Fatal("expected hits")
	}
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("ordering changed:\n%v\n%v", first, second)
	}
}

func TestRetrieve_BudgetRespected(t *testing.T) {
	e := newTestEngine(t)
	for _, f := range facts {
		mustIngest(t, e, memory.KindMemoryFact, f)
	}

	for _, limit := range []int{1, 3, 100} {
		resp := mustRetrieve(t, e, retrieval.Query{Text: "the api service deploy", Limit: limit})
		if len(resp.Hits) > limit {
			t.Errorf("limit %d: got %d hits", limit, len(resp.Hits))
		}
	}
	resp := mustRetrieve(t, e, retrieval.Query{Text: "the api service deploy"})
	if len(resp.Hits) > 8 {
		t.Errorf("default limit: got %d hits, want <= 8", len(resp.Hits))
	}
	for i := 1; i < len(resp.Hits); i++ {
		if resp.Hits[i].Score > resp.Hits[i-1].Score {
			t.Errorf("hits not in descending score order at %d", i)
		}
	}
}

func TestRetrieve_SupersededExcludedButGettable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	old := mustIngest(t, e, memory.KindMemoryFact, "the metrics endpoint listens on port 9100")
	res, err := e.Correct(ctx, old, ingest.Request{Text: "the metrics endpoint moved to port 9200"})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}

	resp := mustRetrieve(t, e, retrieval.Query{Text: "metrics endpoint port 9100", Limit: 10})
	for _, h := range resp.Hits {
		if h.Record.ID == old {
			t.Fatalf("superseded record %s returned", old)
		}
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Record.ID != res.ID {
		t.Errorf("hits = %v, want only the correction %s", hitIDs(resp), res.ID)
	}

	r, err := e.Get(ctx, old)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.SupersededBy == nil || *r.SupersededBy != res.ID {
		t.Errorf("SupersededBy = %v, want %s", r.SupersededBy, res.ID)
	}
}

func TestRetrieve_ExactSymbolAmongManyChunks(t *testing.T) {
	e := newTestEngine(t)

	verbs := []string{"process", "render", "validate", "parse", "encode", "build", "load", "save", "sync", "handle"}
	nouns := []string{"Order", "Invoice", "Session", "Profile", "Token", "Cart", "Report", "Upload", "Event", "Logout"}
	target := ""
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("%s%s%d", verbs[i%10], nouns[(i/10)%10], i)
		path := fmt.Sprintf("internal/mod%d/file%d.go", i%7, i)
		if i == 57 {
			name, path = "handleLogin", "internal/auth/login.go"
		}
		id := mustIngest(t, e, memory.KindCodeSymbol, fmt.Sprintf("func %s in %s (go)", name, path))
		if i == 57 {
			target = id
		}
	}

	resp := mustRetrieve(t, e, retrieval.Query{
		Text:  "handleLogin",
		Kinds: []memory.Kind{memory.KindCodeSymbol},
		Limit: 5,
	})
	found := false
	for _, h := range resp.Hits {
		if h.Record.ID == target {
			found = true
			if !h.KeywordHit {
				t.Error("handleLogin hit should carry the keyword signal")
			}
		}
	}
	if !found {
		t.Errorf("handleLogin not in top 5: %v", hitIDs(resp))
	}
}

func TestRetrieve_ImportanceThenRecency(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	clock := func() time.Time { return now }

	emb := &tableEmbedder{vectors: map[string][]float32{
		"deploy rules":                       {1, 0, 0, 0, 0},
		"deploy needs approval from ops":     {0.6, 0.8, 0, 0, 0},
		"deploy window is tuesday morning":   {0.6, 0, 0.8, 0, 0},
		"deploy tags follow semver strictly": {0.6, 0, 0, 0.8, 0},
	}}
	s := openStore(t, t.TempDir())
	e := openEngine(t, s, emb, testConfig(), retrieval.WithClock(clock))
	ctx := context.Background()

	important := mustIngest(t, e, memory.KindMemoryFact, "deploy needs approval from ops", 0.9)
	_ = mustIngest(t, e, memory.KindMemoryFact, "deploy window is tuesday morning", 0.3)
	touched := mustIngest(t, e, memory.KindMemoryFact, "deploy tags follow semver strictly", 0.3)

	if err := s.Touch(ctx, map[string]time.Time{touched: t0.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	now = t0.Add(48 * time.Hour)

	got := hitIDs(mustRetrieve(t, e, retrieval.Query{Text: "deploy rules", Limit: 2}))
	want := []string{important, touched}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("hits = %v, want %v", got, want)
	}
}

func TestRetrieve_KindFilterBeforeBudget(t *testing.T) {
	e := newTestEngine(t)
	for _, f := range []string{
		"cache keys include the tenant id",
		"the session cache is warmed at startup",
		"cache invalidation goes through the event bus",
		"http responses carry cache control headers",
		"the dns cache is flushed on deploy",
	} {
		mustIngest(t, e, memory.KindMemoryFact, f)
	}
	a := mustIngest(t, e, memory.KindCodeChunk, "internal/cache/lru.go\nfunc (c *LRU) Get(key string) cache lookup")
	b := mustIngest(t, e, memory.KindCodeChunk, "internal/cache/ttl.go\nfunc expire() removes stale cache entries")

	resp := mustRetrieve(t, e, retrieval.Query{Text: "cache", Kinds: []memory.Kind{memory.KindCodeChunk}, Limit: 5})
	if len(resp.Hits) != 2 {
		t.Fatalf("hits = %v, want the two code chunks", hitIDs(resp))
	}
	for _, h := range resp.Hits {
		if h.Record.Kind != memory.KindCodeChunk {
			t.Errorf("hit kind = %q", h.Record.Kind)
		}
		if h.Record.ID != a && h.Record.ID != b {
			t.Errorf("unexpected hit %s", h.Record.ID)
		}
	}
}

func TestRetrieve_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Retrieve(ctx, retrieval.Query{Text: "  "}); !errors.Is(err, retrieval.ErrEmptyQuery) {
		t.Errorf("empty query error = %v, want ErrEmptyQuery", err)
	}
	if _, err := e.Retrieve(ctx, retrieval.Query{Text: "x", Kinds: []memory.Kind{"note"}}); err == nil {
		t.Error("expected error for unknown kind")
	}
	resp := mustRetrieve(t, e, retrieval.Query{Text: "nothing indexed yet"})
	if len(resp.Hits) != 0 {
		t.Errorf("hits on empty store = %d", len(resp.Hits))
	}
}

func TestRetrieve_QueryEmbeddingUsesNormalizedText(t *testing.T) {
	rec := &recordingEmbedder{Embedder: hashEmbedder(64)}
	e := openEngine(t, openStore(t, t.TempDir()), rec, testConfig())
	mustIngest(t, e, memory.KindMemoryFact, facts[6])
	rec.take()

	mustRetrieve(t, e, retrieval.Query{Text: "  Staging\n  Deploys "})
	got := rec.take()
	if len(got) != 1 || got[0] != "Staging Deploys" {
		t.Fatalf("embedded = %q, want [\"Staging Deploys\"]", got)
	}

	// A different casing is a different embedder input, never a cache hit.
	mustRetrieve(t, e, retrieval.Query{Text: "staging deploys"})
	got = rec.take()
	if len(got) != 1 || got[0] != "staging deploys" {
		t.Errorf("embedded = %q, want [\"staging deploys\"]", got)
	}
}

func TestRetrieve_QueryTimeoutDegradesToLexical(t *testing.T) {
	emb := &slowEmbedder{Embedder: hashEmbedder(256)}
	cfg := testConfig()
	cfg.QueryTimeout = 20 * time.Millisecond
	e := openEngine(t, openStore(t, t.TempDir()), emb, cfg)

	id := mustIngest(t, e, memory.KindMemoryFact, "the scheduler uses gocron for maintenance jobs")
	emb.delay.Store(int64(time.Second))

	start := time.Now()
	resp := mustRetrieve(t, e, retrieval.Query{Text: "gocron maintenance"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Retrieve took %v, want bounded by the query timeout", elapsed)
	}
	if !resp.Degraded {
		t.Error("Degraded = false, want true")
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Record.ID != id {
		t.Errorf("hits = %v, want lexical hit %s", hitIDs(resp), id)
	}
}

// ─── Touches ─────────────────────────────────────────────────────────────────

func TestFlushTouches(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := openStore(t, t.TempDir())
	e := openEngine(t, s, hashEmbedder(256), testConfig(), retrieval.WithClock(func() time.Time { return at }))
	ctx := context.Background()

	id := mustIngest(t, e, memory.KindMemoryFact, "pagination uses opaque cursors")
	mustRetrieve(t, e, retrieval.Query{Text: "pagination cursors"})

	r, _ := s.Get(ctx, id)
	if r.LastSeenAt != nil {
		t.Fatalf("LastSeenAt written before flush: %v", r.LastSeenAt)
	}
	if err := e.FlushTouches(ctx); err != nil {
		t.Fatalf("FlushTouches: %v", err)
	}
	r, _ = s.Get(ctx, id)
	if r.LastSeenAt == nil || !r.LastSeenAt.Equal(at) {
		t.Errorf("LastSeenAt = %v, want %v", r.LastSeenAt, at)
	}
}

// ─── Consistency ─────────────────────────────────────────────────────────────

func TestCheck_ConsistentAfterWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, f := range facts[:5] {
		mustIngest(t, e, memory.KindMemoryFact, f)
	}
	old := mustIngest(t, e, memory.KindMemoryFact, "the cdn caches assets for one day")
	if _, err := e.Correct(ctx, old, ingest.Request{Text: "the cdn caches assets for one week"}); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	report, err := e.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v (%s)", err, report.Summary())
	}
	if !report.Consistent() || !report.VectorChecked || report.Live != 6 {
		t.Errorf("report = %+v", report)
	}
}

func TestCheck_DetectsAndRepairsLexicalDrift(t *testing.T) {
	s := openStore(t, t.TempDir())
	e := openEngine(t, s, hashEmbedder(256), testConfig())
	ctx := context.Background()

	id := mustIngest(t, e, memory.KindMemoryFact, "webhooks are signed with hmac sha256")
	mustIngest(t, e, memory.KindMemoryFact, "webhook retries back off exponentially")

	side, err := lexical.New(ctx, s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if err := side.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := side.Upsert(ctx, "ghost", string(memory.KindMemoryFact), "ghost entry"); err != nil {
		t.Fatal(err)
	}

	report, err := e.Check(ctx)
	if !errors.Is(err, retrieval.ErrIndexInconsistency) {
		t.Fatalf("Check error = %v, want ErrIndexInconsistency", err)
	}
	if fmt.Sprint(report.MissingLexical) != fmt.Sprint([]string{id}) || fmt.Sprint(report.OrphanLexical) != "[ghost]" {
		t.Errorf("report = %+v", report)
	}

	fixed, err := e.Repair(ctx, report)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if fixed != 2 {
		t.Errorf("fixed = %d, want 2", fixed)
	}
	if report, err := e.Check(ctx); err != nil {
		t.Errorf("Check after repair: %v (%s)", err, report.Summary())
	}
}

func TestOpen_RepairsMissingVectorArtifacts(t *testing.T) {
	dir := t.TempDir()
	emb := hashEmbedder(256)
	ctx := context.Background()

	s := openStore(t, dir)
	e, err := retrieval.Open(ctx, s, emb, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustIngest(t, e, memory.KindMemoryFact, "tenants are isolated by schema")
	mustIngest(t, e, memory.KindMemoryFact, "schema names are prefixed with t_")
	e.Close(ctx)

	if err := s.DeleteVector(ctx, id, emb.Version()); err != nil {
		t.Fatal(err)
	}

	e = openEngine(t, s, emb, testConfig())
	waitFor(t, "background re-embed", e.Ready)

	if _, err := s.Vector(ctx, id, emb.Version()); err != nil {
		t.Errorf("vector artifact not restored: %v", err)
	}
	if report, err := e.Check(ctx); err != nil {
		t.Errorf("Check after startup repair: %v (%s)", err, report.Summary())
	}
}

// ─── Rebuild ─────────────────────────────────────────────────────────────────

func TestSwitchEmbedder_SwapsGeneration(t *testing.T) {
	s := openStore(t, t.TempDir())
	oldEmb, newEmb := hashEmbedder(64), hashEmbedder(128)
	e := openEngine(t, s, oldEmb, testConfig())
	ctx := context.Background()

	var ids []string
	for _, f := range facts[:5] {
		ids = append(ids, mustIngest(t, e, memory.KindMemoryFact, f))
	}

	if err := <-e.SwitchEmbedder(newEmb); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := e.ActiveVersion(); got != newEmb.Version() {
		t.Errorf("ActiveVersion = %q, want %q", got, newEmb.Version())
	}

	st, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Vectors != 5 || !st.Ready || st.Unembedded != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.Rebuild.Running || st.Rebuild.Processed != 5 || st.Rebuild.Embedded != 5 {
		t.Errorf("rebuild status = %+v", st.Rebuild)
	}

	for _, id := range ids {
		r, _ := s.Get(ctx, id)
		if r.EmbeddingVersion != newEmb.Version() {
			t.Errorf("record %s version = %q", id, r.EmbeddingVersion)
		}
		if _, err := s.Vector(ctx, id, oldEmb.Version()); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("old vector of %s not dropped: %v", id, err)
		}
	}
	if v, ok, _ := s.Meta(ctx, "active_embedding_version"); !ok || v != newEmb.Version() {
		t.Errorf("active version meta = %q, %v", v, ok)
	}

	resp := mustRetrieve(t, e, retrieval.Query{Text: "api gateway"})
	if len(resp.Hits) == 0 || resp.Degraded {
		t.Errorf("retrieve after swap: %+v", resp)
	}
}

func TestRebuild_ResumesFromStoredVectors(t *testing.T) {
	s := openStore(t, t.TempDir())
	e := openEngine(t, s, hashEmbedder(64), testConfig())
	ctx := context.Background()

	for _, f := range facts[:6] {
		mustIngest(t, e, memory.KindMemoryFact, f)
	}

	// Simulate an interrupted run that got through the first three records.
	next := &countingEmbedder{Embedder: hashEmbedder(128)}
	records, err := s.LiveAfter(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		vec, _ := next.Embedder.Embed(ctx, r.Text)
		if err := s.PutVector(ctx, r.ID, next.Version(), vec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetMeta(ctx, "rebuild_cursor:"+next.Version(), fmt.Sprint(records[2].Seq)); err != nil {
		t.Fatal(err)
	}

	if err := <-e.SwitchEmbedder(next); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := next.calls.Load(); got != 3 {
		t.Errorf("embed calls = %d, want 3 (stored vectors reused)", got)
	}
	if st := e.RebuildStatus(); st.Processed != 3 || st.Embedded != 3 {
		t.Errorf("status = %+v, want 3 processed from the cursor", st)
	}
	if _, ok, _ := s.Meta(ctx, "rebuild_cursor:"+next.Version()); ok {
		t.Error("cursor not cleared after swap")
	}
}

func TestOpen_ChangedEmbedderNotReadyUntilRebuilt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openStore(t, dir)

	first, err := retrieval.Open(ctx, s, hashEmbedder(64), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustIngest(t, first, memory.KindMemoryFact, "object storage uses versioned buckets")
	first.Close(ctx)

	gated := &gatedEmbedder{Embedder: hashEmbedder(128), gate: make(chan struct{})}
	e := openEngine(t, s, gated, testConfig())

	if e.Ready() {
		t.Fatal("engine ready before rebuild for the new embedder")
	}
	if _, err := e.Retrieve(ctx, retrieval.Query{Text: "versioned buckets"}); !errors.Is(err, retrieval.ErrNotReady) {
		t.Errorf("Retrieve error = %v, want ErrNotReady", err)
	}
	resp := mustRetrieve(t, e, retrieval.Query{Text: "versioned buckets", LexicalOnly: true})
	if len(resp.Hits) != 1 || resp.Hits[0].Record.ID != id {
		t.Errorf("lexical-only hits = %v, want %s", hitIDs(resp), id)
	}

	done := e.Rebuild()
	close(gated.gate)
	if err := <-done; err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !e.Ready() {
		t.Error("engine not ready after rebuild")
	}
	resp = mustRetrieve(t, e, retrieval.Query{Text: "versioned buckets"})
	if len(resp.Hits) != 1 {
		t.Errorf("hits after rebuild = %v", hitIDs(resp))
	}
}

func TestRebuild_SkipsRecordThatFailsToEmbed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openStore(t, dir)

	first, err := retrieval.Open(ctx, s, hashEmbedder(64), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var billing string
	for _, f := range facts[:5] {
		id := mustIngest(t, first, memory.KindMemoryFact, f)
		if strings.Contains(f, "billing") {
			billing = id
		}
	}
	first.Close(ctx)

	flaky := &flakyEmbedder{Embedder: hashEmbedder(128), marker: "billing"}
	flaky.broken.Store(true)
	e := openEngine(t, s, flaky, testConfig())

	// Open already scheduled a rebuild; this one replaces or follows it.
	if err := <-e.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !e.Ready() {
		t.Fatal("engine not ready after rebuild with one failed record")
	}
	if st := e.RebuildStatus(); st.Failed != 1 || st.LastError != "" || st.Running {
		t.Errorf("status = %+v, want finished with 1 failed record", st)
	}
	r, err := s.Get(ctx, billing)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.EmbeddingVersion != "" {
		t.Errorf("EmbeddingVersion = %q, want empty", r.EmbeddingVersion)
	}

	resp := mustRetrieve(t, e, retrieval.Query{Text: "invoices batched hourly"})
	found := false
	for _, id := range hitIDs(resp) {
		found = found || id == billing
	}
	if !found {
		t.Errorf("hits = %v, want lexical hit %s", hitIDs(resp), billing)
	}

	flaky.broken.Store(false)
	n, err := e.RetryPending(ctx, 10)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryPending = %d, want 1", n)
	}
	r, _ = s.Get(ctx, billing)
	if r.EmbeddingVersion != flaky.Version() {
		t.Errorf("EmbeddingVersion after re-embed = %q, want %q", r.EmbeddingVersion, flaky.Version())
	}
	st, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Vectors != 5 || st.Unembedded != 0 {
		t.Errorf("stats = %+v, want 5 vectors and nothing unembedded", st)
	}
}
