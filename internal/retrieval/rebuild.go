package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

// RebuildStatus describes the running or most recent rebuild.
type RebuildStatus struct {
	Version    string    `json:"version,omitempty"`
	Running    bool      `json:"running"`
	Processed  int       `json:"processed"`
	Embedded   int       `json:"embedded"`
	// Failed counts records whose embedding failed. They are left without a
	// vector and picked up again by the re-embed sweep.
	Failed     int       `json:"failed"`
	Cursor     int64     `json:"cursor"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type rebuildJob struct {
	emb  embedder.Embedder
	done chan error
}

// Rebuilder runs vector index rebuilds on a single worker goroutine. Jobs
// are handed over through a one-slot queue: a newer request replaces a
// queued one and cancels the running one.
type Rebuilder struct {
	engine *Engine
	jobs   chan rebuildJob
	quit   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	status RebuildStatus
	closed bool
}

func newRebuilder(e *Engine) *Rebuilder {
	return &Rebuilder{
		engine: e,
		jobs:   make(chan rebuildJob, 1),
		quit:   make(chan struct{}),
	}
}

func (r *Rebuilder) start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Rebuilder) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case job := <-r.jobs:
			r.run(job)
		}
	}
}

// Schedule queues a rebuild for emb and returns a channel receiving its
// outcome. Superseded requests receive context.Canceled.
func (r *Rebuilder) Schedule(emb embedder.Embedder) <-chan error {
	job := rebuildJob{emb: emb, done: make(chan error, 1)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		job.done <- ErrClosed
		return job.done
	}
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case queued := <-r.jobs:
		queued.done <- context.Canceled
	default:
	}
	r.jobs <- job
	return job.done
}

// Status returns a snapshot of the rebuild state.
func (r *Rebuilder) Status() RebuildStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Rebuilder) progress(processed, embedded, failed int, cursor int64) {
	r.mu.Lock()
	r.status.Processed = processed
	r.status.Embedded = embedded
	r.status.Failed = failed
	r.status.Cursor = cursor
	r.mu.Unlock()
}

func (r *Rebuilder) run(job rebuildJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := r.engine
	r.mu.Lock()
	r.cancel = cancel
	r.status = RebuildStatus{Version: job.emb.Version(), Running: true, StartedAt: e.now()}
	r.mu.Unlock()

	err := e.rebuild(ctx, job.emb, r.progress)

	result := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		result = "canceled"
		e.log.Info("rebuild canceled", "version", job.emb.Version())
	case err != nil:
		result = "error"
		e.log.Error("rebuild failed", "version", job.emb.Version(), "error", err)
	}
	e.metrics.RecordRebuildRun(result)

	r.mu.Lock()
	r.cancel = nil
	r.status.Running = false
	r.status.FinishedAt = e.now()
	if err != nil {
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()

	job.done <- err
}

func (r *Rebuilder) stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case queued := <-r.jobs:
		queued.done <- ErrClosed
	default:
	}
	r.mu.Unlock()

	close(r.quit)
	r.wg.Wait()
}

// ─── Rebuild ─────────────────────────────────────────────────────────────────

// rebuild builds a fresh index for emb's version and swaps it in. Stored
// vectors of that version are reused, so a canceled or crashed rebuild
// resumes where its persisted cursor left off.
func (e *Engine) rebuild(ctx context.Context, emb embedder.Embedder, progress func(processed, embedded, failed int, cursor int64)) error {
	version := emb.Version()
	cursorKey := metaRebuildCursor + version

	idx, err := vectorindex.New(e.cfg.Backend, version)
	if err != nil {
		return err
	}

	// Vectors embedded by earlier runs or by ingests during this one.
	err = e.store.ForEachVector(ctx, version, func(id string, kind memory.Kind, vec []float32) error {
		return idx.Upsert(ctx, vectorindex.Entry{ID: id, Kind: string(kind), Vector: vec})
	})
	if err != nil {
		return fmt.Errorf("retrieval: rebuild: preload: %w", err)
	}

	var cursor int64
	if v, ok, err := e.store.Meta(ctx, cursorKey); err != nil {
		return err
	} else if ok {
		cursor, _ = strconv.ParseInt(v, 10, 64)
		e.log.Info("resuming rebuild", "version", version, "cursor", cursor, "preloaded", idx.Len())
	}

	retry := embedder.Retry{
		Attempts: e.cfg.Ingest.EmbedAttempts,
		Backoff:  e.cfg.Ingest.EmbedBackoff,
		Timeout:  e.cfg.Ingest.EmbedTimeout,
	}
	processed, embedded := 0, 0
	failed := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.store.LiveAfter(ctx, cursor, e.cfg.RebuildBatch)
		if err != nil {
			return fmt.Errorf("retrieval: rebuild: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			fresh, err := e.indexRecord(ctx, idx, emb, retry, rec.ID, rec.Kind, rec.Text)
			switch {
			case errors.Is(err, errEmbedFailed) && ctx.Err() == nil:
				e.log.Warn("rebuild: embedding failed, record left for re-embed", "id", rec.ID, "version", version, "error", err)
				failed[rec.ID] = struct{}{}
			case err != nil:
				return fmt.Errorf("retrieval: rebuild: %s: %w", rec.ID, err)
			case fresh:
				embedded++
			}
			processed++
			cursor = rec.Seq
		}
		if err := e.store.SetMeta(ctx, cursorKey, strconv.FormatInt(cursor, 10)); err != nil {
			return err
		}
		e.metrics.RecordRebuildRecords(len(batch))
		progress(processed, embedded, len(failed), cursor)
	}

	err = e.pipe.Exclusive(func() error {
		return e.swap(ctx, idx, emb, retry, cursorKey, failed)
	})
	if err != nil {
		return err
	}
	progress(processed, embedded, len(failed), cursor)
	if len(failed) > 0 {
		e.pipe.MarkDirty()
	}
	return nil
}

// swap reconciles idx with the store while writes are blocked, then
// publishes it as the active generation. Records in failed are not retried;
// catch-up embedding failures are added to it.
func (e *Engine) swap(ctx context.Context, idx vectorindex.Index, emb embedder.Embedder, retry embedder.Retry, cursorKey string, failed map[string]struct{}) error {
	version := emb.Version()
	live, err := e.store.LiveIndexed(ctx)
	if err != nil {
		return err
	}
	for _, id := range idx.IDs() {
		if _, ok := live[id]; !ok {
			if err := idx.Delete(ctx, id); err != nil {
				return err
			}
		}
	}
	missing := make([]string, 0)
	for id := range live {
		_, skip := failed[id]
		if _, ok := idx.Vector(id); !ok && !skip {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	caughtUp := 0
	if len(missing) > 0 {
		records, err := e.store.GetMany(ctx, missing)
		if err != nil {
			return err
		}
		for _, id := range missing {
			rec := records[id]
			_, err := e.indexRecord(ctx, idx, emb, retry, id, rec.Kind, rec.Text)
			switch {
			case errors.Is(err, errEmbedFailed) && ctx.Err() == nil:
				e.log.Warn("rebuild: catch-up embedding failed, record left for re-embed", "id", id, "version", version, "error", err)
				failed[id] = struct{}{}
			case err != nil:
				return fmt.Errorf("retrieval: rebuild: catch-up %s: %w", id, err)
			default:
				caughtUp++
			}
		}
	}

	// Records without a vector of this version get an empty embedding
	// version here, which the re-embed sweep looks for.
	if err := e.store.AdoptVersion(ctx, version); err != nil {
		return err
	}
	if err := e.store.SetMeta(ctx, metaActiveVersion, version); err != nil {
		return err
	}
	if err := e.store.DeleteMeta(ctx, cursorKey); err != nil {
		return err
	}

	prev := e.active.Swap(&vectorindex.Generation{Version: version, Index: idx, Embedder: emb, Ready: true})

	dropped, err := e.store.DropVectorsExcept(ctx, version)
	if err != nil {
		e.log.Warn("dropping old vector artifacts failed", "error", err)
	}
	e.log.Info("vector index swapped",
		"from", prev.Version, "to", version,
		"vectors", idx.Len(), "caught_up", caughtUp, "failed", len(failed), "dropped", dropped)
	return nil
}

// errEmbedFailed marks an indexRecord failure caused by the embedder rather
// than the store or the index.
var errEmbedFailed = errors.New("embedding failed")

// indexRecord upserts a record's vector into idx, embedding and persisting
// it when no stored vector exists. fresh reports whether it was embedded.
func (e *Engine) indexRecord(ctx context.Context, idx vectorindex.Index, emb embedder.Embedder, retry embedder.Retry, id string, kind memory.Kind, text string) (fresh bool, err error) {
	if _, ok := idx.Vector(id); ok {
		return false, nil
	}
	vec, err := e.store.Vector(ctx, id, emb.Version())
	if errors.Is(err, memory.ErrNotFound) {
		vec, err = embedder.EmbedWithRetry(ctx, emb, text, retry)
		if err != nil {
			e.metrics.RecordEmbedFailure("rebuild")
			return false, fmt.Errorf("%w: %w", errEmbedFailed, err)
		}
		if err := e.store.PutVector(ctx, id, emb.Version(), vec); err != nil {
			return false, err
		}
		fresh = true
	} else if err != nil {
		return false, err
	}
	return fresh, idx.Upsert(ctx, vectorindex.Entry{ID: id, Kind: string(kind), Vector: vec})
}
