// Package openai embeds text through an OpenAI-compatible /embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/HendryAvila/recall/internal/embedder"
)

const defaultModel = "text-embedding-3-small"

var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

type openAIEmbedder struct {
	options embedder.Options
	client  *openai.Client
	limiter *rate.Limiter
	dims    int
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("openai: rate limit: %w", err)
	}
	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.options.Model),
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if e.options.Dimensions > 0 && strings.HasPrefix(e.options.Model, "text-embedding-3") {
		req.Dimensions = e.options.Dimensions
	}

	rsp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}

	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	if e.dims > 0 && len(rsp.Data[0].Embedding) != e.dims {
		return nil, fmt.Errorf("openai: got %d dimensions, want %d", len(rsp.Data[0].Embedding), e.dims)
	}

	return rsp.Data[0].Embedding, nil
}

func (e *openAIEmbedder) Dimensions() int { return e.dims }

func (e *openAIEmbedder) Version() string {
	return fmt.Sprintf("%s:%s:%d", embedder.ProviderOpenAI, e.options.Model, e.dims)
}

// NewEmbedder creates an OpenAI embedder. The dimension count comes from
// WithDimensions, or from the model's known default.
func NewEmbedder(opts ...embedder.Option) (embedder.Embedder, error) {
	options := embedder.NewOptions(opts...)
	if options.Model == "" {
		options.Model = defaultModel
	}

	dims := options.Dimensions
	if dims <= 0 {
		dims = modelDimensions[options.Model]
	}
	if dims <= 0 {
		return nil, fmt.Errorf("openai: unknown dimensions for model %q, set them explicitly", options.Model)
	}
	if options.ApiKey == "" && options.BaseURL == "" {
		return nil, errors.New("openai: api key is required")
	}

	cfg := openai.DefaultConfig(options.ApiKey)
	if options.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(options.BaseURL, "/")
	}

	return &openAIEmbedder{
		options: options,
		client:  openai.NewClientWithConfig(cfg),
		limiter: options.Limiter(),
		dims:    dims,
	}, nil
}
