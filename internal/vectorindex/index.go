// Package vectorindex holds the nearest-neighbour indexes over record
// embeddings and the generation pointer used to swap them atomically.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Entry is one indexed vector.
type Entry struct {
	ID     string
	Kind   string
	Vector []float32
}

// Match is a query hit. Similarity is cosine similarity mapped to [0,1].
type Match struct {
	ID         string
	Similarity float64
}

// Index is an incrementally updated similarity index keyed by record id.
// Query results are ordered by similarity, ties broken by smaller id.
type Index interface {
	Version() string
	Upsert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, limit int, kinds ...string) ([]Match, error)
	Vector(id string) ([]float32, bool)
	IDs() []string
	Len() int
}

// Backend names accepted by New.
const (
	BackendFlat    = "flat"
	BackendChromem = "chromem"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// vectors already in the index.
var ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

// ErrInvalidVector is returned for vectors holding NaN or infinite values.
var ErrInvalidVector = errors.New("vectorindex: vector has non-finite components")

// checkEntry validates an entry before it is stored.
func checkEntry(e Entry) error {
	if e.ID == "" || len(e.Vector) == 0 {
		return fmt.Errorf("vectorindex: upsert: empty id or vector")
	}
	for _, v := range e.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: id %s", ErrInvalidVector, e.ID)
		}
	}
	return nil
}

// isZero reports whether vec has no direction.
func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// New builds an empty index of the named backend for an embedder version.
func New(backend, version string) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFlat:
		return NewFlat(version), nil
	case BackendChromem:
		return NewChromem(version)
	default:
		return nil, fmt.Errorf("vectorindex: unknown backend %q", backend)
	}
}

// Normalize returns a unit-length copy of vec. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Dot returns the dot product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of a and b in [-1,1], or 0 when the
// lengths differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// UnitSimilarity maps a cosine similarity in [-1,1] onto [0,1].
func UnitSimilarity(cos float64) float64 {
	s := (cos + 1) / 2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// SortMatches orders matches by similarity descending, then id ascending.
func SortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Similarity != ms[j].Similarity {
			return ms[i].Similarity > ms[j].Similarity
		}
		return ms[i].ID < ms[j].ID
	})
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
