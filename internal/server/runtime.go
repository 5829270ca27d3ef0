package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/embedder/google"
	"github.com/HendryAvila/recall/internal/embedder/hash"
	"github.com/HendryAvila/recall/internal/embedder/openai"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/metrics"
	"github.com/HendryAvila/recall/internal/retrieval"
)

// Runtime holds the components serving one scope. Every command of the
// CLI opens one, uses it and closes it.
type Runtime struct {
	Config  *config.Config
	Store   *memory.Store
	Engine  *retrieval.Engine
	Indexer *codeindex.Indexer
	Metrics *metrics.Metrics

	embedder embedder.Embedder
	log      *slog.Logger
}

// NewEmbedder builds the embedder selected by cfg.
func NewEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	opts := cfg.EmbedderOptions()
	switch cfg.Embedder.Provider {
	case embedder.ProviderHash, "":
		return hash.NewEmbedder(opts...), nil
	case embedder.ProviderOpenAI:
		return openai.NewEmbedder(opts...)
	case embedder.ProviderGoogle:
		return google.NewEmbedder(opts...)
	}
	return nil, fmt.Errorf("server: unknown embedder provider %q", cfg.Embedder.Provider)
}

// Open opens the store of cfg's scope and starts the engine over it. A
// corrupted store surfaces as *memory.CorruptionError.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}

	emb, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	store, err := memory.New(cfg.MemoryConfig())
	if err != nil {
		closeEmbedder(emb)
		return nil, err
	}

	m := metrics.New()
	engine, err := retrieval.Open(ctx, store, emb, cfg.RetrievalConfig(),
		retrieval.WithLogger(logging.WithComponent(log, "retrieval")),
		retrieval.WithMetrics(m),
	)
	if err != nil {
		_ = store.Close()
		closeEmbedder(emb)
		return nil, err
	}

	ix := codeindex.New(engine.Pipeline(), store, cfg.CodeIndex,
		codeindex.WithLogger(logging.WithComponent(log, "codeindex")),
	)

	log.Info("scope opened",
		"scope", store.Scope(),
		"path", store.Path(),
		"embedder", emb.Version(),
		"ready", engine.Ready(),
	)
	return &Runtime{
		Config:   cfg,
		Store:    store,
		Engine:   engine,
		Indexer:  ix,
		Metrics:  m,
		embedder: emb,
		log:      log,
	}, nil
}

// Close stops the engine, then releases the embedder and the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	closeEmbedder(rt.embedder)
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// closeEmbedder releases remote clients. The google embedder holds one.
func closeEmbedder(emb embedder.Embedder) {
	if c, ok := emb.(io.Closer); ok {
		_ = c.Close()
	}
}
