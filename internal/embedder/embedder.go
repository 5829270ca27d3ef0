// Package embedder defines the text embedding contract of the retrieval
// engine. Providers live in subpackages; every embedder is identified by a
// version string and vectors of different versions are never compared.
package embedder

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the length of every vector Embed returns.
	Dimensions() int
	// Version identifies provider, model and dimensions. A change of
	// version invalidates stored vectors.
	Version() string
}

// ErrEmbeddingFailure marks an embedding that could not be produced after
// retries. Callers fall back to lexical-only behaviour.
var ErrEmbeddingFailure = errors.New("embedder: embedding failed")

// Provider names.
const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

type Option func(*Options)

type Options struct {
	ApiKey     string
	Model      string
	BaseURL    string
	Dimensions int
	// RequestsPerSecond throttles remote providers; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Context           context.Context
}

func WithApiKey(apiKey string) Option {
	return func(o *Options) {
		o.ApiKey = apiKey
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

func WithBaseURL(url string) Option {
	return func(o *Options) {
		o.BaseURL = url
	}
}

func WithDimensions(dims int) Option {
	return func(o *Options) {
		o.Dimensions = dims
	}
}

func WithRate(perSecond float64, burst int) Option {
	return func(o *Options) {
		o.RequestsPerSecond = perSecond
		o.Burst = burst
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

func NewOptions(opts ...Option) Options {
	options := Options{
		Context: context.Background(),
		Burst:   1,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Limiter builds the request limiter described by the options.
func (o Options) Limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
}
