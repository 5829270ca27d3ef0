package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Flat is an exact brute-force index: normalized vectors in a map, scanned
// with a bounded min-heap for top-K. It is the default backend; at the
// corpus sizes of one project scope a full scan stays in the low
// milliseconds.
type Flat struct {
	version string

	mu      sync.RWMutex
	dims    int
	entries map[string]flatEntry
}

type flatEntry struct {
	kind string
	vec  []float32
}

// NewFlat creates an empty flat index.
func NewFlat(version string) *Flat {
	return &Flat{version: version, entries: make(map[string]flatEntry)}
}

// Version returns the embedder version the vectors belong to.
func (f *Flat) Version() string { return f.version }

// Upsert inserts or replaces a vector.
func (f *Flat) Upsert(_ context.Context, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dims == 0 || len(f.entries) == 0 {
		f.dims = len(e.Vector)
	} else if len(e.Vector) != f.dims {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(e.Vector), f.dims)
	}
	f.entries[e.ID] = flatEntry{kind: e.Kind, vec: Normalize(e.Vector)}
	return nil
}

// Delete removes a vector; absent ids are ignored.
func (f *Flat) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

// Query returns the limit nearest neighbours of vec among entries of kinds.
func (f *Flat) Query(ctx context.Context, vec []float32, limit int, kinds ...string) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.entries) == 0 {
		return nil, nil
	}
	if len(vec) != f.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), f.dims)
	}
	q := Normalize(vec)
	filter := kindSet(kinds)

	h := &matchHeap{}
	scanned := 0
	for id, e := range f.entries {
		if filter != nil {
			if _, ok := filter[e.kind]; !ok {
				continue
			}
		}
		scanned++
		if scanned%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		m := Match{ID: id, Similarity: UnitSimilarity(Dot(q, e.vec))}
		if h.Len() < limit {
			heap.Push(h, m)
		} else if better(m, (*h)[0]) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

// Vector returns the stored (normalized) vector of id.
func (f *Flat) Vector(id string) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[id]
	return e.vec, ok
}

// IDs returns the indexed ids in ascending order.
func (f *Flat) IDs() []string {
	f.mu.RLock()
	ids := make([]string, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// better reports whether a ranks ahead of b.
func better(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ID < b.ID
}

// matchHeap keeps the worst retained match at the root.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
