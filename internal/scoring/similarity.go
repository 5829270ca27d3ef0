package scoring

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

// RecencyDecay is 0.5^(elapsed/halfLife) clamped to [0,1]. Negative elapsed
// time (clock skew) counts as zero.
func RecencyDecay(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	r := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// Jaccard is |a∩b| / |a∪b|; two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// contradictionCap bounds the similarity of two texts of opposite polarity.
// It sits inside the default supersede band and below the dedup threshold,
// so a negated fact is never dropped as a duplicate of its positive form.
const contradictionCap = 0.9

var negationPattern = regexp.MustCompile(`(?i)\b(?:not|never|no|none|nothing|nobody|nowhere|neither|nor|without|cannot)\b|n['’]t\b`)

// negations returns the normalized negation markers of text. Contractions
// ("don't", "isn’t") and "cannot" count as "not".
func negations(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, m := range negationPattern.FindAllString(text, -1) {
		m = strings.ToLower(m)
		if strings.HasSuffix(m, "t") && (strings.HasPrefix(m, "n'") || strings.HasPrefix(m, "n’")) || m == "cannot" {
			m = "not"
		}
		set[m] = struct{}{}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Comparable is the part of a record the near-duplicate test looks at.
type Comparable struct {
	Text   string
	Vector []float32

	stems map[string]struct{}
	neg   map[string]struct{}
}

// NewComparable precomputes the stem and negation sets of text.
func NewComparable(text string, vec []float32) Comparable {
	return Comparable{Text: text, Vector: vec, stems: lexical.StemSet(text), neg: negations(text)}
}

// Similarity is the near-duplicate measure shared by ingestion and ranking:
// 1 for equal normalized text, else the larger of the unit cosine of the
// vectors (when both exist) and the Jaccard index of the stemmed tokens.
// Texts whose negation markers differ score at most contradictionCap.
func Similarity(a, b Comparable) float64 {
	if strings.EqualFold(strings.Join(strings.Fields(a.Text), " "), strings.Join(strings.Fields(b.Text), " ")) {
		return 1
	}
	sa, sb := a.stems, b.stems
	if sa == nil {
		sa = lexical.StemSet(a.Text)
	}
	if sb == nil {
		sb = lexical.StemSet(b.Text)
	}
	sim := 0.0
	if len(sa) > 0 || len(sb) > 0 {
		sim = Jaccard(sa, sb)
	}
	if len(a.Vector) > 0 && len(a.Vector) == len(b.Vector) {
		if v := vectorindex.UnitSimilarity(vectorindex.Cosine(a.Vector, b.Vector)); v > sim {
			sim = v
		}
	}
	if sim > contradictionCap {
		na, nb := a.neg, b.neg
		if na == nil {
			na = negations(a.Text)
		}
		if nb == nil {
			nb = negations(b.Text)
		}
		if !sameSet(na, nb) {
			sim = contradictionCap
		}
	}
	return sim
}

// TextSimilarity compares two texts without vectors.
func TextSimilarity(a, b string) float64 {
	return Similarity(NewComparable(a, nil), NewComparable(b, nil))
}
