package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem is an index backed by an in-process chromem-go database with one
// collection per record kind, so kind filters never need a where clause.
// Zero vectors have no direction and are kept out of the collections; they
// score UnitSimilarity(0) against every query, as in Flat.
type Chromem struct {
	version string
	db      *chromem.DB

	mu          sync.RWMutex
	dims        int
	collections map[string]*chromem.Collection
	entries     map[string]flatEntry
}

// NewChromem creates an empty chromem-go backed index.
func NewChromem(version string) (*Chromem, error) {
	return &Chromem{
		version:     version,
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		entries:     make(map[string]flatEntry),
	}, nil
}

// Version returns the embedder version the vectors belong to.
func (c *Chromem) Version() string { return c.version }

// collection returns the collection for kind, creating it on first use.
func (c *Chromem) collection(kind string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[kind]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if col, ok := c.collections[kind]; ok {
		return col, nil
	}
	col, err := c.db.CreateCollection("kind_"+kind, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create collection %q: %w", kind, err)
	}
	c.collections[kind] = col
	return col, nil
}

// Upsert inserts or replaces a vector.
func (c *Chromem) Upsert(ctx context.Context, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	c.mu.RLock()
	dims, n := c.dims, len(c.entries)
	prev, existed := c.entries[e.ID]
	c.mu.RUnlock()
	if n > 0 && dims != len(e.Vector) {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(e.Vector), dims)
	}

	vec := Normalize(e.Vector)
	zero := isZero(vec)
	if existed && (prev.kind != e.Kind || zero) {
		if err := c.deleteFrom(ctx, prev.kind, e.ID); err != nil {
			return err
		}
	}

	if !zero {
		col, err := c.collection(e.Kind)
		if err != nil {
			return err
		}
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        e.ID,
			Content:   e.ID,
			Embedding: vec,
			Metadata:  map[string]string{"kind": e.Kind},
		}); err != nil {
			return fmt.Errorf("vectorindex: add document: %w", err)
		}
	}

	c.mu.Lock()
	c.dims = len(vec)
	c.entries[e.ID] = flatEntry{kind: e.Kind, vec: vec}
	c.mu.Unlock()
	return nil
}

// Delete removes a vector; absent ids are ignored.
func (c *Chromem) Delete(ctx context.Context, id string) error {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := c.deleteFrom(ctx, e.kind, id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

func (c *Chromem) deleteFrom(ctx context.Context, kind, id string) error {
	c.mu.RLock()
	col, ok := c.collections[kind]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("vectorindex: delete document: %w", err)
	}
	return nil
}

// Query returns the limit nearest neighbours of vec among entries of kinds.
func (c *Chromem) Query(ctx context.Context, vec []float32, limit int, kinds ...string) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := kindSet(kinds)
	c.mu.RLock()
	dims, n := c.dims, len(c.entries)
	targets := make(map[string]*chromem.Collection, len(c.collections))
	for kind, col := range c.collections {
		if _, ok := filter[kind]; ok || filter == nil {
			targets[kind] = col
		}
	}
	var zeros []Match
	for id, e := range c.entries {
		if _, ok := filter[e.kind]; (ok || filter == nil) && isZero(e.vec) {
			zeros = append(zeros, Match{ID: id, Similarity: UnitSimilarity(0)})
		}
	}
	c.mu.RUnlock()

	if n == 0 {
		return nil, nil
	}
	if len(vec) != dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), dims)
	}

	// Iterate kinds in a fixed order so the merge is reproducible.
	names := make([]string, 0, len(targets))
	for kind := range targets {
		names = append(names, kind)
	}
	sort.Strings(names)

	q := Normalize(vec)
	merged := zeros
	for _, kind := range names {
		var (
			matches []Match
			err     error
		)
		if isZero(q) {
			matches = c.flatScores(kind)
		} else {
			matches, err = c.queryCollection(ctx, targets[kind], q, limit)
			if err != nil {
				return nil, err
			}
		}
		merged = append(merged, matches...)
	}

	SortMatches(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// queryCollection returns the limit best matches of col plus every match
// tied with the last of them. chromem-go does not order equal similarities,
// so the fetch grows until the boundary tie group is complete and the caller
// can apply the id tie-break over all of it.
func (c *Chromem) queryCollection(ctx context.Context, col *chromem.Collection, q []float32, limit int) ([]Match, error) {
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size
	fetch := min(count, limit)
	for {
		results, err := col.QueryEmbedding(ctx, q, fetch, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("vectorindex: chromem query: %w", err)
		}
		boundary := min(limit, len(results)) - 1
		if fetch == count || boundary < 0 || results[len(results)-1].Similarity < results[boundary].Similarity {
			out := make([]Match, 0, len(results))
			for _, r := range results {
				if r.Similarity < results[boundary].Similarity {
					break
				}
				out = append(out, Match{ID: r.ID, Similarity: UnitSimilarity(float64(r.Similarity))})
			}
			return out, nil
		}
		fetch = min(count, 2*fetch)
	}
}

// flatScores scores every vector of kind against a zero query.
func (c *Chromem) flatScores(kind string) []Match {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Match
	for id, e := range c.entries {
		if e.kind == kind && !isZero(e.vec) {
			out = append(out, Match{ID: id, Similarity: UnitSimilarity(0)})
		}
	}
	return out
}

// Vector returns the stored (normalized) vector of id.
func (c *Chromem) Vector(id string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.vec, ok
}

// IDs returns the indexed ids in ascending order.
func (c *Chromem) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed vectors.
func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
