// Package config defines the configuration schema consumed by the memory
// search manager and its components.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// Provider identifiers accepted by memorySearch.provider.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// FTS backend identifiers accepted by memorySearch.store.fts.backend.
const (
	FTSBackendSQLite = "fts5"
	FTSBackendBleve  = "bleve"
)

// Default model per provider.
const (
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
)

// Config is the root configuration consumed by the Manager.
type Config struct {
	// Workspace is the absolute path of the workspace root. Required.
	Workspace string `yaml:"workspace" json:"workspace"`

	MemorySearch MemorySearchConfig `yaml:"memorySearch" json:"memorySearch"`

	Models ModelsConfig `yaml:"models" json:"models"`
}

// MemorySearchConfig configures the index.
type MemorySearchConfig struct {
	// Provider selects the embedding provider: "openai" or "ollama". Required.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the embedding model identifier. Defaults per provider.
	Model string `yaml:"model" json:"model"`

	Store StoreConfig `yaml:"store" json:"store"`
	Sync  SyncConfig  `yaml:"sync" json:"sync"`
	Query QueryConfig `yaml:"query" json:"query"`
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// ExtraPaths lists absolute paths outside the workspace that are
	// indexed and readable through the path gate.
	ExtraPaths []string `yaml:"extraPaths" json:"extraPaths"`

	Scan  ScanConfig  `yaml:"scan" json:"scan"`
	Chunk ChunkConfig `yaml:"chunk" json:"chunk"`
	Embed EmbedConfig `yaml:"embed" json:"embed"`
}

// StoreConfig configures the on-disk index store.
type StoreConfig struct {
	// Path is the absolute directory holding the store file. Required.
	Path   string       `yaml:"path" json:"path"`
	Vector VectorConfig `yaml:"vector" json:"vector"`
	FTS    FTSConfig    `yaml:"fts" json:"fts"`
}

// VectorConfig configures vector search.
type VectorConfig struct {
	// Enabled turns vector search on. Default true.
	Enabled *bool `yaml:"enabled" json:"enabled"`
}

// FTSConfig configures the full-text backend.
type FTSConfig struct {
	// Backend selects the text index: "fts5" (default) or "bleve".
	Backend string `yaml:"backend" json:"backend"`
}

// SyncConfig configures when synchronization runs.
type SyncConfig struct {
	Watch          bool `yaml:"watch" json:"watch"`
	OnSessionStart bool `yaml:"onSessionStart" json:"onSessionStart"`
	OnSearch       bool `yaml:"onSearch" json:"onSearch"`

	// WatchDebounceMs is the quiet period before a watch-triggered sync.
	WatchDebounceMs int `yaml:"watchDebounceMs" json:"watchDebounceMs"`
}

// QueryConfig configures result selection.
type QueryConfig struct {
	MinScore   float64      `yaml:"minScore" json:"minScore"`
	MaxResults int          `yaml:"maxResults" json:"maxResults"`
	Hybrid     HybridConfig `yaml:"hybrid" json:"hybrid"`
}

// HybridConfig configures score fusion between vector and text search.
type HybridConfig struct {
	Enabled             bool    `yaml:"enabled" json:"enabled"`
	VectorWeight        float64 `yaml:"vectorWeight" json:"vectorWeight"`
	TextWeight          float64 `yaml:"textWeight" json:"textWeight"`
	CandidateMultiplier int     `yaml:"candidateMultiplier" json:"candidateMultiplier"`
}

// CacheConfig configures the persistent embedding cache.
type CacheConfig struct {
	// Enabled turns the cache on. Default true.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// MaxEntries caps the in-memory LRU tier.
	MaxEntries int `yaml:"maxEntries" json:"maxEntries"`
}

// ScanConfig configures file discovery.
type ScanConfig struct {
	Include      []string `yaml:"include" json:"include"`
	Exclude      []string `yaml:"exclude" json:"exclude"`
	MaxFileBytes int64    `yaml:"maxFileBytes" json:"maxFileBytes"`
}

// ChunkConfig configures text chunking.
type ChunkConfig struct {
	MaxChunkChars int `yaml:"maxChunkChars" json:"maxChunkChars"`
	OverlapChars  int `yaml:"overlapChars" json:"overlapChars"`
}

// EmbedConfig configures embedding transport behavior.
type EmbedConfig struct {
	// MaxBatch is the maximum texts per provider request.
	MaxBatch int `yaml:"maxBatch" json:"maxBatch"`
	// MaxInFlight bounds concurrent embedding requests during sync.
	MaxInFlight int `yaml:"maxInFlight" json:"maxInFlight"`
	// TimeoutSeconds is the per-request HTTP timeout.
	TimeoutSeconds int `yaml:"timeoutSeconds" json:"timeoutSeconds"`
}

// ModelsConfig carries provider transport overrides keyed by provider id.
type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// ProviderConfig overrides transport settings for one provider.
type ProviderConfig struct {
	BaseURL string            `yaml:"baseUrl" json:"baseUrl"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	APIKey  string            `yaml:"apiKey" json:"apiKey"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultMaxResults          = 20
	DefaultCandidateMultiplier = 3
	DefaultVectorWeight        = 0.7
	DefaultTextWeight          = 0.3
	DefaultMaxFileBytes        = 2 * 1024 * 1024
	DefaultMaxChunkChars       = 1600
	DefaultOverlapChars        = 200
	DefaultMaxBatch            = 64
	DefaultMaxInFlight         = 4
	DefaultTimeoutSeconds      = 60
	DefaultWatchDebounceMs     = 500
	DefaultCacheMaxEntries     = 4096
)

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	ms := &c.MemorySearch

	if ms.Model == "" {
		switch ms.Provider {
		case ProviderOllama:
			ms.Model = DefaultOllamaModel
		default:
			ms.Model = DefaultOpenAIModel
		}
	}
	if ms.Store.Vector.Enabled == nil {
		ms.Store.Vector.Enabled = boolPtr(true)
	}
	if ms.Store.FTS.Backend == "" {
		ms.Store.FTS.Backend = FTSBackendSQLite
	}
	if ms.Cache.Enabled == nil {
		ms.Cache.Enabled = boolPtr(true)
	}
	if ms.Cache.MaxEntries <= 0 {
		ms.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if ms.Query.MaxResults <= 0 {
		ms.Query.MaxResults = DefaultMaxResults
	}
	if ms.Query.Hybrid.CandidateMultiplier <= 0 {
		ms.Query.Hybrid.CandidateMultiplier = DefaultCandidateMultiplier
	}
	if ms.Query.Hybrid.Enabled && ms.Query.Hybrid.VectorWeight == 0 && ms.Query.Hybrid.TextWeight == 0 {
		ms.Query.Hybrid.VectorWeight = DefaultVectorWeight
		ms.Query.Hybrid.TextWeight = DefaultTextWeight
	}
	if ms.Sync.WatchDebounceMs <= 0 {
		ms.Sync.WatchDebounceMs = DefaultWatchDebounceMs
	}
	if ms.Scan.MaxFileBytes <= 0 {
		ms.Scan.MaxFileBytes = DefaultMaxFileBytes
	}
	if ms.Chunk.MaxChunkChars <= 0 {
		ms.Chunk.MaxChunkChars = DefaultMaxChunkChars
	}
	if ms.Chunk.OverlapChars <= 0 {
		ms.Chunk.OverlapChars = DefaultOverlapChars
	}
	if ms.Embed.MaxBatch <= 0 {
		ms.Embed.MaxBatch = DefaultMaxBatch
	}
	if ms.Embed.MaxInFlight <= 0 {
		ms.Embed.MaxInFlight = DefaultMaxInFlight
	}
	if ms.Embed.TimeoutSeconds <= 0 {
		ms.Embed.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate checks the configuration for required and contradictory values.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return errors.New(errors.KindConfigInvalid, "workspace is required")
	}
	if !filepath.IsAbs(c.Workspace) {
		return errors.Newf(errors.KindConfigInvalid, "workspace must be absolute: %s", c.Workspace)
	}

	ms := &c.MemorySearch
	switch ms.Provider {
	case ProviderOpenAI, ProviderOllama:
	case "":
		return errors.New(errors.KindConfigInvalid, "memorySearch.provider is required")
	default:
		return errors.Newf(errors.KindConfigInvalid, "unknown provider: %s", ms.Provider)
	}

	if ms.Store.Path == "" {
		return errors.New(errors.KindConfigInvalid, "memorySearch.store.path is required")
	}
	if !filepath.IsAbs(ms.Store.Path) {
		return errors.Newf(errors.KindConfigInvalid, "memorySearch.store.path must be absolute: %s", ms.Store.Path)
	}

	switch ms.Store.FTS.Backend {
	case "", FTSBackendSQLite, FTSBackendBleve:
	default:
		return errors.Newf(errors.KindConfigInvalid, "unknown fts backend: %s", ms.Store.FTS.Backend)
	}

	h := ms.Query.Hybrid
	if h.Enabled && h.VectorWeight+h.TextWeight <= 0 {
		return errors.New(errors.KindConfigInvalid, "hybrid weights must sum > 0")
	}
	if h.VectorWeight < 0 || h.TextWeight < 0 {
		return errors.New(errors.KindConfigInvalid, "hybrid weights must be non-negative")
	}
	if ms.Query.MinScore < 0 {
		return errors.New(errors.KindConfigInvalid, "query.minScore must be non-negative")
	}

	for _, p := range ms.ExtraPaths {
		if !filepath.IsAbs(p) {
			return errors.Newf(errors.KindConfigInvalid, "extra path must be absolute: %s", p)
		}
	}

	return nil
}

// VectorEnabled reports whether vector search is configured on.
func (c *Config) VectorEnabled() bool {
	return c.MemorySearch.Store.Vector.Enabled == nil || *c.MemorySearch.Store.Vector.Enabled
}

// CacheEnabled reports whether the persistent embedding cache is on.
func (c *Config) CacheEnabled() bool {
	return c.MemorySearch.Cache.Enabled == nil || *c.MemorySearch.Cache.Enabled
}

// ProviderOverride returns transport overrides for the given provider id.
func (c *Config) ProviderOverride(id string) ProviderConfig {
	return c.Models.Providers[id]
}

// Fingerprint identifies the vector space as providerId + "/" + modelId.
// A change invalidates all stored vectors.
func (c *Config) Fingerprint() string {
	return c.MemorySearch.Provider + "/" + c.MemorySearch.Model
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read config", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.KindConfigInvalid, "parse config", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }
