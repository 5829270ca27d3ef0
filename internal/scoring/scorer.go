// Package scoring ranks retrieval candidates with one deterministic score
// that blends semantic similarity, importance, recency and exact keyword
// matches.
package scoring

import (
	"sort"
	"strings"
	"time"

	"github.com/HendryAvila/recall/internal/lexical"
)

// Candidate is a hydrated record competing for a result slot.
type Candidate struct {
	ID         string
	Text       string
	Importance float64
	CreatedAt  time.Time
	LastSeenAt *time.Time
	Superseded bool
	// Similarity is the unit cosine similarity to the query, or 0 when the
	// candidate has no vector for the active embedder.
	Similarity float64
	// Vector is the candidate's embedding, used for near-duplicate checks.
	Vector []float32
}

// Anchor is the time recency is measured from.
func (c Candidate) Anchor() time.Time {
	if c.LastSeenAt != nil && c.LastSeenAt.After(c.CreatedAt) {
		return *c.LastSeenAt
	}
	return c.CreatedAt
}

// Query carries the query-side inputs of the score.
type Query struct {
	Keywords []string
	Now      time.Time
}

// Budget caps the number of results. Limit <= 0 means the default limit.
type Budget struct {
	Limit int
}

// Scored is a ranked candidate with its score breakdown.
type Scored struct {
	Candidate
	Score      float64
	Recency    float64
	KeywordHit bool
}

// Scorer ranks candidates. It is stateless and safe for concurrent use.
type Scorer struct {
	options Options
}

func New(opts ...Option) *Scorer {
	return &Scorer{options: NewOptions(opts...)}
}

// Options returns the scorer configuration.
func (s *Scorer) Options() Options { return s.options }

// Score computes the weighted score of one candidate.
func (s *Scorer) Score(c Candidate, q Query) Scored {
	w := s.options.Weights
	recency := RecencyDecay(q.Now.Sub(c.Anchor()), s.options.HalfLife)
	hit := keywordHit(c.Text, q.Keywords)

	score := w.Similarity*c.Similarity + w.Importance*c.Importance + w.Recency*recency
	if hit {
		score += w.Keyword
	}
	return Scored{Candidate: c, Score: score, Recency: recency, KeywordHit: hit}
}

// Rank scores the live candidates and returns at most budget.Limit of them,
// best first, with near-duplicates of better results removed. Ordering is
// score desc, importance desc, id asc.
func (s *Scorer) Rank(candidates []Candidate, q Query, budget Budget) []Scored {
	limit := budget.Limit
	if limit <= 0 {
		limit = s.options.DefaultLimit
	}

	seen := make(map[string]struct{}, len(candidates))
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Superseded {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		scored = append(scored, s.Score(c, q))
	}

	sort.Slice(scored, func(i, j int) bool {
		return ranksBefore(scored[i], scored[j])
	})

	out := make([]Scored, 0, min(limit, len(scored)))
	kept := make([]Comparable, 0, cap(out))
	for _, sc := range scored {
		if len(out) == limit {
			break
		}
		cmp := NewComparable(sc.Text, sc.Vector)
		if s.nearDuplicateOfAny(cmp, kept) {
			continue
		}
		out = append(out, sc)
		kept = append(kept, cmp)
	}
	return out
}

func (s *Scorer) nearDuplicateOfAny(c Comparable, kept []Comparable) bool {
	for _, k := range kept {
		if Similarity(c, k) >= s.options.DedupThreshold {
			return true
		}
	}
	return false
}

func ranksBefore(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	return a.ID < b.ID
}

// keywordHit reports whether any keyword is an exact token of text.
func keywordHit(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	tokens := lexical.TermSet(text)
	for _, k := range keywords {
		if _, ok := tokens[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}
