// Package config loads the recall configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/retrieval"
	"github.com/HendryAvila/recall/internal/scoring"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

// FileName is the config file looked up in the data directory.
const FileName = "recall.yaml"

// Environment variables.
const (
	EnvDataDir       = "RECALL_DATA_DIR"
	EnvScope         = "RECALL_SCOPE"
	EnvEmbedder      = "RECALL_EMBEDDER"
	EnvEmbedderModel = "RECALL_EMBEDDER_MODEL"
	EnvLogLevel      = "RECALL_LOG_LEVEL"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvGoogleKey     = "GOOGLE_API_KEY"
)

// Config is the complete recall configuration.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	Scope         string `yaml:"scope"`
	MaxTextLength int    `yaml:"max_text_length"`
	// ProjectRoot is the default directory for code indexing and watching.
	ProjectRoot string `yaml:"project_root"`
	Watch       bool   `yaml:"watch"`

	Embedder    EmbedderConfig    `yaml:"embedder"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Ingest      IngestConfig      `yaml:"ingest"`
	CodeIndex   codeindex.Config  `yaml:"code_index"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	// APIKey is normally taken from OPENAI_API_KEY or GOOGLE_API_KEY.
	APIKey            string        `yaml:"api_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

type RetrievalConfig struct {
	Backend       string          `yaml:"backend"`
	CandidatePool int             `yaml:"candidate_pool"`
	LexicalPool   int             `yaml:"lexical_pool"`
	DefaultLimit  int             `yaml:"default_limit"`
	QueryTimeout  time.Duration   `yaml:"query_timeout"`
	CacheEntries  int64           `yaml:"cache_entries"`
	RebuildBatch  int             `yaml:"rebuild_batch"`
	HalfLife      time.Duration   `yaml:"half_life"`
	Weights       scoring.Weights `yaml:"weights"`
}

type IngestConfig struct {
	DedupThreshold         float64       `yaml:"dedup_threshold"`
	SupersedeThreshold     float64       `yaml:"supersede_threshold"`
	SupersedeMaxImportance float64       `yaml:"supersede_max_importance"`
	ProbeSize              int           `yaml:"probe_size"`
	EmbedTimeout           time.Duration `yaml:"embed_timeout"`
	EmbedAttempts          int           `yaml:"embed_attempts"`
	EmbedBackoff           time.Duration `yaml:"embed_backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MaintenanceConfig sets the background job intervals of the server.
type MaintenanceConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryBatch    int           `yaml:"retry_batch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	mem := memory.DefaultConfig()
	ret := retrieval.DefaultConfig()
	ing := ingest.DefaultConfig()
	return &Config{
		DataDir:       mem.DataDir,
		Scope:         mem.Scope,
		MaxTextLength: mem.MaxTextLength,
		Embedder: EmbedderConfig{
			Provider: embedder.ProviderHash,
			Burst:    1,
			Timeout:  30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Backend:       ret.Backend,
			CandidatePool: ret.CandidatePool,
			LexicalPool:   ret.LexicalPool,
			DefaultLimit:  ret.Scoring.DefaultLimit,
			QueryTimeout:  ret.QueryTimeout,
			CacheEntries:  ret.CacheEntries,
			RebuildBatch:  ret.RebuildBatch,
			HalfLife:      ret.Scoring.HalfLife,
			Weights:       ret.Scoring.Weights,
		},
		Ingest: IngestConfig{
			DedupThreshold:         ing.DedupThreshold,
			SupersedeThreshold:     ing.SupersedeThreshold,
			SupersedeMaxImportance: ing.SupersedeMaxImportance,
			ProbeSize:              ing.ProbeSize,
			EmbedTimeout:           ing.EmbedTimeout,
			EmbedAttempts:          ing.EmbedAttempts,
			EmbedBackoff:           ing.EmbedBackoff,
		},
		CodeIndex: codeindex.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "text"},
		Maintenance: MaintenanceConfig{
			FlushInterval: 30 * time.Second,
			RetryInterval: 5 * time.Minute,
			RetryBatch:    100,
		},
	}
}

// LoadEnvFiles loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration. path, when set, must exist; otherwise
// <data_dir>/recall.yaml is read if present. Environment overrides apply
// last, except that RECALL_DATA_DIR is honoured before looking for the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir, ok := os.LookupEnv(EnvDataDir); ok && dir != "" {
		cfg.DataDir = dir
	}

	if path == "" {
		candidate := filepath.Join(cfg.DataDir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. An API key from the
// environment only applies when the file did not set one.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvDataDir, &c.DataDir)
	set(EnvScope, &c.Scope)
	set(EnvEmbedder, &c.Embedder.Provider)
	set(EnvEmbedderModel, &c.Embedder.Model)
	set(EnvLogLevel, &c.Log.Level)

	if c.Embedder.APIKey == "" {
		switch c.Embedder.Provider {
		case embedder.ProviderOpenAI:
			set(EnvOpenAIKey, &c.Embedder.APIKey)
		case embedder.ProviderGoogle:
			set(EnvGoogleKey, &c.Embedder.APIKey)
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := memory.SanitizeScope(c.Scope); err != nil {
		errs = append(errs, err)
	}
	switch c.Embedder.Provider {
	case embedder.ProviderHash:
	case embedder.ProviderOpenAI, embedder.ProviderGoogle:
		if c.Embedder.APIKey == "" && c.Embedder.BaseURL == "" {
			errs = append(errs, fmt.Errorf("embedder %s needs an api key", c.Embedder.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider))
	}
	if c.Embedder.Dimensions < 0 {
		errs = append(errs, errors.New("embedder dimensions must not be negative"))
	}
	switch c.Retrieval.Backend {
	case "", vectorindex.BackendFlat, vectorindex.BackendChromem:
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Retrieval.Backend))
	}
	w := c.Retrieval.Weights
	if w.Similarity < 0 || w.Importance < 0 || w.Recency < 0 || w.Keyword < 0 {
		errs = append(errs, errors.New("scoring weights must be non-negative"))
	}
	if t := c.Ingest.DedupThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("dedup_threshold %v out of (0,1]", t))
	}
	if c.Ingest.SupersedeThreshold > c.Ingest.DedupThreshold {
		errs = append(errs, errors.New("supersede_threshold must not exceed dedup_threshold"))
	}
	if c.CodeIndex.ChunkLines > 0 && c.CodeIndex.ChunkOverlap >= c.CodeIndex.ChunkLines {
		errs = append(errs, errors.New("code_index.chunk_overlap must be smaller than chunk_lines"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MemoryConfig returns the record store configuration.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{DataDir: c.DataDir, Scope: c.Scope, MaxTextLength: c.MaxTextLength}
}

// RetrievalConfig returns the engine configuration.
func (c *Config) RetrievalConfig() retrieval.Config {
	r := c.Retrieval
	ing := ingest.DefaultConfig()
	ing.MaxTextLength = c.MaxTextLength
	ing.DedupThreshold = c.Ingest.DedupThreshold
	ing.SupersedeThreshold = c.Ingest.SupersedeThreshold
	ing.SupersedeMaxImportance = c.Ingest.SupersedeMaxImportance
	if c.Ingest.ProbeSize > 0 {
		ing.ProbeSize = c.Ingest.ProbeSize
	}
	if c.Ingest.EmbedTimeout > 0 {
		ing.EmbedTimeout = c.Ingest.EmbedTimeout
	}
	if c.Ingest.EmbedAttempts > 0 {
		ing.EmbedAttempts = c.Ingest.EmbedAttempts
	}
	if c.Ingest.EmbedBackoff > 0 {
		ing.EmbedBackoff = c.Ingest.EmbedBackoff
	}

	return retrieval.Config{
		Backend:       r.Backend,
		CandidatePool: r.CandidatePool,
		LexicalPool:   r.LexicalPool,
		QueryTimeout:  r.QueryTimeout,
		CacheEntries:  r.CacheEntries,
		RebuildBatch:  r.RebuildBatch,
		Scoring: scoring.NewOptions(
			scoring.WithWeights(scoring.NormalizeWeights(r.Weights)),
			scoring.WithHalfLife(r.HalfLife),
			scoring.WithDedupThreshold(c.Ingest.DedupThreshold),
			scoring.WithDefaultLimit(r.DefaultLimit),
		),
		Ingest: ing,
	}
}

// EmbedderOptions returns the provider options.
func (c *Config) EmbedderOptions() []embedder.Option {
	e := c.Embedder
	return []embedder.Option{
		embedder.WithApiKey(e.APIKey),
		embedder.WithModel(e.Model),
		embedder.WithBaseURL(e.BaseURL),
		embedder.WithDimensions(e.Dimensions),
		embedder.WithRate(e.RequestsPerSecond, e.Burst),
		embedder.WithTimeout(e.Timeout),
	}
}
