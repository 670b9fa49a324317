package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leon90dm/clawdbot/internal/errors"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		Workspace: dir,
		MemorySearch: MemorySearchConfig{
			Provider: ProviderOllama,
			Store:    StoreConfig{Path: filepath.Join(dir, "store")},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig(t)
	ms := cfg.MemorySearch

	assert.Equal(t, DefaultOllamaModel, ms.Model)
	assert.Equal(t, FTSBackendSQLite, ms.Store.FTS.Backend)
	assert.Equal(t, DefaultMaxResults, ms.Query.MaxResults)
	assert.Equal(t, DefaultCandidateMultiplier, ms.Query.Hybrid.CandidateMultiplier)
	assert.Equal(t, DefaultMaxInFlight, ms.Embed.MaxInFlight)
	assert.True(t, cfg.VectorEnabled())
	assert.True(t, cfg.CacheEnabled())
}

func TestDefaultModelPerProvider(t *testing.T) {
	cfg := &Config{MemorySearch: MemorySearchConfig{Provider: ProviderOpenAI}}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultOpenAIModel, cfg.MemorySearch.Model)
}

func TestHybridWeightDefaults(t *testing.T) {
	cfg := validConfig(t)
	cfg.MemorySearch.Query.Hybrid.Enabled = true
	cfg.MemorySearch.Query.Hybrid.VectorWeight = 0
	cfg.MemorySearch.Query.Hybrid.TextWeight = 0
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultVectorWeight, cfg.MemorySearch.Query.Hybrid.VectorWeight)
	assert.Equal(t, DefaultTextWeight, cfg.MemorySearch.Query.Hybrid.TextWeight)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing workspace", func(c *Config) { c.Workspace = "" }},
		{"relative workspace", func(c *Config) { c.Workspace = "relative/path" }},
		{"missing provider", func(c *Config) { c.MemorySearch.Provider = "" }},
		{"unknown provider", func(c *Config) { c.MemorySearch.Provider = "anthropic" }},
		{"missing store path", func(c *Config) { c.MemorySearch.Store.Path = "" }},
		{"unknown fts backend", func(c *Config) { c.MemorySearch.Store.FTS.Backend = "lucene" }},
		{"zero hybrid weights", func(c *Config) {
			c.MemorySearch.Query.Hybrid = HybridConfig{Enabled: true, CandidateMultiplier: 3}
		}},
		{"negative weight", func(c *Config) { c.MemorySearch.Query.Hybrid.VectorWeight = -1 }},
		{"relative extra path", func(c *Config) { c.MemorySearch.ExtraPaths = []string{"notes"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindConfigInvalid, errors.KindOf(err))
		})
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())
}

func TestFingerprint(t *testing.T) {
	cfg := validConfig(t)
	assert.Equal(t, "ollama/"+DefaultOllamaModel, cfg.Fingerprint())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	raw := `
workspace: ` + dir + `
memorySearch:
  provider: openai
  store:
    path: ` + filepath.Join(dir, "store") + `
  query:
    maxResults: 5
    hybrid:
      enabled: true
      vectorWeight: 0.9
      textWeight: 0.1
models:
  providers:
    openai:
      baseUrl: http://localhost:8080
      apiKey: test-key
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MemorySearch.Query.MaxResults)
	assert.Equal(t, 0.9, cfg.MemorySearch.Query.Hybrid.VectorWeight)
	assert.Equal(t, "http://localhost:8080", cfg.ProviderOverride("openai").BaseURL)
	assert.Equal(t, "test-key", cfg.ProviderOverride("openai").APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}
