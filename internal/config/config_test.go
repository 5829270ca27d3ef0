package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// --- Default ---

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Embedder.Provider != embedder.ProviderHash {
		t.Errorf("Provider = %s, want hash", cfg.Embedder.Provider)
	}
	if cfg.Scope != "default" {
		t.Errorf("Scope = %s, want default", cfg.Scope)
	}
	if cfg.Retrieval.HalfLife != 72*time.Hour {
		t.Errorf("HalfLife = %v, want 72h", cfg.Retrieval.HalfLife)
	}
	if cfg.CodeIndex.ChunkLines != 300 || cfg.CodeIndex.ChunkOverlap != 50 {
		t.Errorf("chunking = %d/%d, want 300/50", cfg.CodeIndex.ChunkLines, cfg.CodeIndex.ChunkOverlap)
	}
}

// --- Load ---

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := `
data_dir: ` + dir + `
scope: work
retrieval:
  backend: chromem
  half_life: 24h
  default_limit: 5
  weights:
    similarity: 2
    importance: 1
    recency: 1
    keyword: 0
ingest:
  dedup_threshold: 0.9
  supersede_threshold: 0.8
code_index:
  chunk_lines: 120
  chunk_overlap: 20
maintenance:
  flush_interval: 10s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scope != "work" {
		t.Errorf("Scope = %s, want work", cfg.Scope)
	}
	if cfg.Retrieval.Backend != vectorindex.BackendChromem {
		t.Errorf("Backend = %s, want chromem", cfg.Retrieval.Backend)
	}
	if cfg.Retrieval.HalfLife != 24*time.Hour {
		t.Errorf("HalfLife = %v, want 24h", cfg.Retrieval.HalfLife)
	}
	if cfg.Maintenance.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", cfg.Maintenance.FlushInterval)
	}
	if cfg.CodeIndex.ChunkLines != 120 {
		t.Errorf("ChunkLines = %d, want 120", cfg.CodeIndex.ChunkLines)
	}
	// Unset fields keep their defaults.
	if cfg.Retrieval.CandidatePool != 50 {
		t.Errorf("CandidatePool = %d, want default 50", cfg.Retrieval.CandidatePool)
	}

	rc := cfg.RetrievalConfig()
	if rc.Scoring.DefaultLimit != 5 {
		t.Errorf("DefaultLimit = %d, want 5", rc.Scoring.DefaultLimit)
	}
	if rc.Scoring.Weights.Similarity != 0.5 || rc.Scoring.Weights.Importance != 0.25 {
		t.Errorf("weights not normalized: %+v", rc.Scoring.Weights)
	}
	if rc.Ingest.DedupThreshold != 0.9 || rc.Ingest.SupersedeThreshold != 0.8 {
		t.Errorf("ingest thresholds = %v/%v", rc.Ingest.DedupThreshold, rc.Ingest.SupersedeThreshold)
	}
}

func TestLoad_DataDirFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("scope: fromfile\nlog:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scope != "fromfile" {
		t.Errorf("Scope = %s, want fromfile", cfg.Scope)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want env override debug", cfg.Log.Level)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of a missing explicit file should fail")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("retrieval: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of invalid YAML should fail")
	}
}

// --- ApplyEnv ---

func TestApplyEnv_ProviderKeys(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envMap(map[string]string{
		EnvEmbedder:      "openai",
		EnvEmbedderModel: "text-embedding-3-small",
		EnvOpenAIKey:     "sk-test",
		EnvGoogleKey:     "g-test",
		EnvScope:         "  proj  ",
	}))
	if cfg.Embedder.Provider != embedder.ProviderOpenAI {
		t.Errorf("Provider = %s, want openai", cfg.Embedder.Provider)
	}
	if cfg.Embedder.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want the OpenAI key", cfg.Embedder.APIKey)
	}
	if cfg.Scope != "proj" {
		t.Errorf("Scope = %q, want proj", cfg.Scope)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnv_FileKeyWins(t *testing.T) {
	cfg := Default()
	cfg.Embedder.Provider = embedder.ProviderGoogle
	cfg.Embedder.APIKey = "from-file"
	cfg.ApplyEnv(envMap(map[string]string{EnvGoogleKey: "from-env"}))
	if cfg.Embedder.APIKey != "from-file" {
		t.Errorf("APIKey = %q, want from-file", cfg.Embedder.APIKey)
	}
}

// --- Validate ---

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad scope", func(c *Config) { c.Scope = "a/b" }, "invalid scope"},
		{"unknown provider", func(c *Config) { c.Embedder.Provider = "cohere" }, "unknown embedder provider"},
		{"missing key", func(c *Config) { c.Embedder.Provider = "openai" }, "needs an api key"},
		{"unknown backend", func(c *Config) { c.Retrieval.Backend = "faiss" }, "unknown vector backend"},
		{"negative weight", func(c *Config) { c.Retrieval.Weights.Recency = -1 }, "non-negative"},
		{"threshold order", func(c *Config) { c.Ingest.SupersedeThreshold = 0.99 }, "supersede_threshold"},
		{"overlap", func(c *Config) { c.CodeIndex.ChunkOverlap = 300 }, "chunk_overlap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

// --- LoadEnvFiles ---

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("RECALL_TEST_ONLY_VAR=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECALL_TEST_ONLY_VAR", "")
	os.Unsetenv("RECALL_TEST_ONLY_VAR")

	if err := LoadEnvFiles(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("RECALL_TEST_ONLY_VAR"); got != "hello" {
		t.Errorf("RECALL_TEST_ONLY_VAR = %q, want hello", got)
	}
}
