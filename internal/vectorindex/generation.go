package vectorindex

import (
	"sync/atomic"

	"github.com/HendryAvila/recall/internal/embedder"
)

// Generation pairs an index with the embedder that produced its vectors.
// A generation is immutable once published; readers Load it once per query.
type Generation struct {
	Version  string
	Index    Index
	Embedder embedder.Embedder
	// Ready is false while the index is still being built or repaired for
	// Version, in which case its vector results are not served.
	Ready bool
}

// Active is the current generation, swapped atomically by rebuilds.
type Active struct {
	p atomic.Pointer[Generation]
}

// NewActive publishes g as the first generation.
func NewActive(g *Generation) *Active {
	a := &Active{}
	a.p.Store(g)
	return a
}

// Load returns the current generation.
func (a *Active) Load() *Generation { return a.p.Load() }

// Swap publishes g and returns the previous generation.
func (a *Active) Swap(g *Generation) *Generation { return a.p.Swap(g) }

// SetReady republishes the current generation with the given readiness when
// its version is still version. It reports whether a change was made.
func (a *Active) SetReady(version string, ready bool) bool {
	for {
		cur := a.p.Load()
		if cur == nil || cur.Version != version {
			return false
		}
		if cur.Ready == ready {
			return true
		}
		next := *cur
		next.Ready = ready
		if a.p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}
