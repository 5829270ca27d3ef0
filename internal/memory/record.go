package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind tags the category of a record. The set is closed: anything outside
// the constants below is rejected by ParseKind.
type Kind string

const (
	KindMemoryFact   Kind = "memory-fact"
	KindCodeChunk    Kind = "code-chunk"
	KindCodeSymbol   Kind = "code-symbol"
	KindCodeEndpoint Kind = "code-endpoint"
)

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindMemoryFact, KindCodeChunk, KindCodeSymbol, KindCodeEndpoint}
}

// CodeKinds returns the kinds produced by project indexing.
func CodeKinds() []Kind {
	return []Kind{KindCodeChunk, KindCodeSymbol, KindCodeEndpoint}
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	for _, valid := range Kinds() {
		if k == valid {
			return k, nil
		}
	}
	return "", fmt.Errorf("memory: unknown kind %q", s)
}

// IsCode reports whether the kind comes from code indexing.
func (k Kind) IsCode() bool {
	return k == KindCodeChunk || k == KindCodeSymbol || k == KindCodeEndpoint
}

func (k Kind) String() string { return string(k) }

// Record is the atomic unit of stored knowledge. Only LastSeenAt,
// SupersededBy and the index bookkeeping fields change after creation.
type Record struct {
	ID               string     `json:"id"`
	Seq              int64      `json:"seq"`
	Kind             Kind       `json:"kind"`
	Text             string     `json:"text"`
	Importance       float64    `json:"importance"`
	SourceRef        string     `json:"source_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	SupersededBy     *string    `json:"superseded_by,omitempty"`
	EmbeddingVersion string     `json:"embedding_version,omitempty"`
	Indexed          bool       `json:"indexed"`
}

// Live reports whether the record has not been superseded.
func (r Record) Live() bool {
	return r.SupersededBy == nil || *r.SupersededBy == ""
}

// RecencyAnchor is the timestamp recency decay is measured from.
func (r Record) RecencyAnchor() time.Time {
	if r.LastSeenAt != nil && r.LastSeenAt.After(r.CreatedAt) {
		return *r.LastSeenAt
	}
	return r.CreatedAt
}

// NormalizeText trims and collapses whitespace, keeping the original casing.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashNormalized hashes the comparison form of text: whitespace collapsed
// and lowercased. Two texts with equal hashes are exact duplicates.
func HashNormalized(text string) string {
	normalized := strings.ToLower(NormalizeText(text))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
