package scoring

import "time"

type Option func(*Options)

type Options struct {
	Weights        Weights
	HalfLife       time.Duration
	DedupThreshold float64
	DefaultLimit   int
}

// Weights blend the four ranking signals. They sum to 1 by convention only.
type Weights struct {
	Similarity float64 `yaml:"similarity"`
	Importance float64 `yaml:"importance"`
	Recency    float64 `yaml:"recency"`
	Keyword    float64 `yaml:"keyword"`
}

// DefaultWeights returns 0.5 / 0.2 / 0.2 / 0.1.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.5, Importance: 0.2, Recency: 0.2, Keyword: 0.1}
}

// NormalizeWeights rescales w to sum to 1. All-zero weights become equal.
func NormalizeWeights(w Weights) Weights {
	sum := w.Similarity + w.Importance + w.Recency + w.Keyword
	if sum == 0 {
		return Weights{Similarity: 0.25, Importance: 0.25, Recency: 0.25, Keyword: 0.25}
	}
	return Weights{
		Similarity: w.Similarity / sum,
		Importance: w.Importance / sum,
		Recency:    w.Recency / sum,
		Keyword:    w.Keyword / sum,
	}
}

func WithWeights(w Weights) Option {
	return func(o *Options) {
		o.Weights = w
	}
}

func WithHalfLife(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HalfLife = d
		}
	}
}

func WithDedupThreshold(t float64) Option {
	return func(o *Options) {
		if t > 0 {
			o.DedupThreshold = t
		}
	}
}

func WithDefaultLimit(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.DefaultLimit = n
		}
	}
}

func NewOptions(opts ...Option) Options {
	options := Options{
		Weights:        DefaultWeights(),
		HalfLife:       72 * time.Hour, // 3 days
		DedupThreshold: 0.95,
		DefaultLimit:   8,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
