package embed

import (
	"time"

	"github.com/leon90dm/clawdbot/internal/config"
	"github.com/leon90dm/clawdbot/internal/errors"
)

// NewProvider builds the configured provider, applying any transport
// overrides from models.providers.<id>.
func NewProvider(cfg *config.Config) (Provider, error) {
	ms := cfg.MemorySearch
	override := cfg.ProviderOverride(ms.Provider)
	timeout := time.Duration(ms.Embed.TimeoutSeconds) * time.Second

	switch ms.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:  override.BaseURL,
			Model:    ms.Model,
			APIKey:   override.APIKey,
			Headers:  override.Headers,
			MaxBatch: ms.Embed.MaxBatch,
			Timeout:  timeout,
		})
	case config.ProviderOllama:
		return NewOllamaProvider(OllamaConfig{
			BaseURL:  override.BaseURL,
			Model:    ms.Model,
			Headers:  override.Headers,
			MaxBatch: ms.Embed.MaxBatch,
			Timeout:  timeout,
		})
	default:
		return nil, errors.Newf(errors.KindConfigInvalid, "unknown provider: %s", ms.Provider)
	}
}
