package embed

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// DefaultOpenAIBaseURL is the hosted endpoint. An API key is mandatory only
// when this default is in use; third-party compatibles may run keyless.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL  string
	Model    string
	APIKey   string
	Headers  map[string]string
	MaxBatch int
	Timeout  time.Duration
}

// OpenAIProvider embeds text via POST <baseUrl>/embeddings.
type OpenAIProvider struct {
	transport *transport
	endpoint  string
	model     string
	maxBatch  int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	base = strings.TrimSuffix(base, "/")
	if u, err := url.Parse(base); err == nil && (u.Path == "" || u.Path == "/") {
		// Bare hosts get the conventional /v1 prefix.
		base += "/v1"
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if _, overridden := headers["Authorization"]; !overridden {
		if cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		} else if base == DefaultOpenAIBaseURL {
			return nil, errors.New(errors.KindProviderAuthMissing, "api key required for api.openai.com")
		}
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	return &OpenAIProvider{
		transport: newTransport(cfg.Timeout, headers),
		endpoint:  base + "/embeddings",
		model:     cfg.Model,
		maxBatch:  maxBatch,
	}, nil
}

// ProviderID identifies this provider.
func (p *OpenAIProvider) ProviderID() string { return "openai" }

// ModelID identifies the embedding model.
func (p *OpenAIProvider) ModelID() string { return p.model }

// EmbedQuery embeds a single query string.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts with retry on transient transport failures.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := validateBatchInput(texts, p.maxBatch); err != nil {
		return nil, err
	}

	payload := map[string]any{"model": p.model, "input": texts}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		res, err := p.transport.postJSON(ctx, p.endpoint, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(errors.KindCancelled, "embed batch", ctx.Err())
			}
			lastErr = err
			if isRetryable(err, nil) {
				continue
			}
			return nil, err
		}

		if res.status >= 200 && res.status < 300 {
			vectors, err := parseEmbeddings(res.body)
			if err != nil {
				return nil, err
			}
			if len(vectors) != len(texts) {
				return nil, errors.Newf(errors.KindProviderHTTP,
					"expected %d embeddings, got %d", len(texts), len(vectors))
			}
			return vectors, nil
		}

		if isRetryable(nil, res) {
			lastErr = errors.Newf(errors.KindProviderRequestFailed, "status %d: %s", res.status, truncate(res.body))
			slog.Debug("embed_retryable_status",
				slog.Int("attempt", attempt),
				slog.Int("status", res.status))
			continue
		}
		return nil, errors.Newf(errors.KindProviderHTTP, "status %d: %s", res.status, truncate(res.body))
	}

	return nil, errors.Wrap(errors.KindProviderRequestFailed, "retries exhausted", lastErr)
}

// Close releases transport resources.
func (p *OpenAIProvider) Close() error {
	p.transport.close()
	return nil
}

// truncate bounds response bodies quoted in error messages.
func truncate(body []byte) string {
	const max = 256
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
