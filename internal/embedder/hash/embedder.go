// Package hash is a local feature-hashing embedder. It needs no model or
// network and is deterministic, so it is the default provider and the one
// tests run against.
package hash

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

const (
	defaultDimensions = 256
	algorithm         = "fh1"

	tokenWeight   = 1.0
	trigramWeight = 0.35
)

// Embedder projects stemmed tokens and their character trigrams into a
// signed hashed feature space.
type Embedder struct {
	dims int
}

// NewEmbedder creates a hash embedder. Only WithDimensions is honoured.
func NewEmbedder(opts ...embedder.Option) *Embedder {
	options := embedder.NewOptions(opts...)
	dims := options.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &Embedder{dims: dims}
}

// Embed returns the unit-length feature vector of text. Text with no tokens
// maps to the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	for _, tok := range lexical.Tokenize(text) {
		stem := lexical.Stem(tok)
		e.add(vec, "t:"+stem, tokenWeight)

		padded := "^" + stem + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			e.add(vec, "g:"+string(runes[i:i+3]), trigramWeight)
		}
	}
	return vectorindex.Normalize(vec), nil
}

func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Dimensions returns the vector length.
func (e *Embedder) Dimensions() int { return e.dims }

// Version returns "hash:fh1:<dims>".
func (e *Embedder) Version() string {
	return fmt.Sprintf("%s:%s:%d", embedder.ProviderHash, algorithm, e.dims)
}
