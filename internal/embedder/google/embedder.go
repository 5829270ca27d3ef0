// Package google embeds text with the Gemini embedding API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	genaiopt "google.golang.org/api/option"

	"github.com/HendryAvila/recall/internal/embedder"
)

const (
	defaultModel      = "text-embedding-004"
	defaultDimensions = 768
)

type googleEmbedder struct {
	options embedder.Options
	client  *genai.Client
	limiter *rate.Limiter
	dims    int
}

func (e *googleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("google: rate limit: %w", err)
	}
	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	model := e.client.EmbeddingModel(e.options.Model)
	rsp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("google: embed: %w", err)
	}

	if rsp == nil || rsp.Embedding == nil || len(rsp.Embedding.Values) == 0 {
		return nil, errors.New("google: no embedding in response")
	}
	if len(rsp.Embedding.Values) != e.dims {
		return nil, fmt.Errorf("google: got %d dimensions, want %d", len(rsp.Embedding.Values), e.dims)
	}

	return rsp.Embedding.Values, nil
}

func (e *googleEmbedder) Dimensions() int { return e.dims }

func (e *googleEmbedder) Version() string {
	return fmt.Sprintf("%s:%s:%d", embedder.ProviderGoogle, e.options.Model, e.dims)
}

// Close releases the underlying client.
func (e *googleEmbedder) Close() error {
	return e.client.Close()
}

// NewEmbedder creates a Gemini embedder.
func NewEmbedder(opts ...embedder.Option) (embedder.Embedder, error) {
	options := embedder.NewOptions(opts...)
	if options.Model == "" {
		options.Model = defaultModel
	}
	if options.Dimensions <= 0 {
		options.Dimensions = defaultDimensions
	}
	if options.ApiKey == "" {
		return nil, errors.New("google: api key is required")
	}

	client, err := genai.NewClient(
		options.Context,
		genaiopt.WithAPIKey(options.ApiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("google: new client: %w", err)
	}

	return &googleEmbedder{
		options: options,
		client:  client,
		limiter: options.Limiter(),
		dims:    options.Dimensions,
	}, nil
}
