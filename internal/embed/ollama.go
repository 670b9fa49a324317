package embed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// DefaultOllamaBaseURL is the conventional local Ollama host.
const DefaultOllamaBaseURL = "http://localhost:11434"

// endpointState enumerates the endpoint preference machine. Order matters:
// downgrade always moves to the next state, and a success in a later state
// latches so subsequent calls skip the earlier ones.
type endpointState int

const (
	// stateOpenAIBatch posts all texts to the OpenAI-compatible endpoint.
	stateOpenAIBatch endpointState = iota
	// stateOpenAISingle posts one text per request to the same endpoint.
	stateOpenAISingle
	// stateOllamaEmbed posts all texts to the native /api/embed endpoint.
	stateOllamaEmbed
	// stateOllamaEmbeddings posts one prompt per request to /api/embeddings.
	stateOllamaEmbeddings
)

// String returns the state name used in logs.
func (s endpointState) String() string {
	switch s {
	case stateOpenAIBatch:
		return "openai-batch"
	case stateOpenAISingle:
		return "openai-single"
	case stateOllamaEmbed:
		return "ollama-embed"
	case stateOllamaEmbeddings:
		return "ollama-embeddings"
	default:
		return "unknown"
	}
}

// next returns the following state and whether one exists.
func (s endpointState) next() (endpointState, bool) {
	if s >= stateOllamaEmbeddings {
		return s, false
	}
	return s + 1, true
}

// OllamaConfig configures an Ollama-compatible provider.
type OllamaConfig struct {
	BaseURL  string
	Model    string
	Headers  map[string]string
	MaxBatch int
	Timeout  time.Duration
}

// OllamaProvider embeds text against an Ollama server, negotiating the best
// supported endpoint shape via the preference state machine.
type OllamaProvider struct {
	transport *transport
	model     string
	maxBatch  int

	openaiEndpoint     string // <host>/v1/embeddings
	embedEndpoint      string // <host>/api/embed
	embeddingsEndpoint string // <host>/api/embeddings

	mu   sync.Mutex
	pref endpointState
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama-compatible provider.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOllamaBaseURL
	}
	host := strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1")

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	return &OllamaProvider{
		transport:          newTransport(cfg.Timeout, cfg.Headers),
		model:              cfg.Model,
		maxBatch:           maxBatch,
		openaiEndpoint:     host + "/v1/embeddings",
		embedEndpoint:      host + "/api/embed",
		embeddingsEndpoint: host + "/api/embeddings",
		pref:               stateOpenAIBatch,
	}, nil
}

// ProviderID identifies this provider.
func (p *OllamaProvider) ProviderID() string { return "ollama" }

// ModelID identifies the embedding model.
func (p *OllamaProvider) ModelID() string { return p.model }

// EmbedQuery embeds a single query string.
func (p *OllamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts, walking the endpoint preference machine until one
// shape succeeds. The first success in a non-initial state latches the
// preference; later calls start there.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := validateBatchInput(texts, p.maxBatch); err != nil {
		return nil, err
	}

	state := p.preference()
	for {
		vectors, err := p.tryState(ctx, state, texts)
		if err == nil {
			p.latch(state)
			return vectors, nil
		}

		if errors.IsKind(err, kindUnsupportedEndpoint) {
			next, ok := state.next()
			if ok {
				slog.Debug("embed_endpoint_downgrade",
					slog.String("from", state.String()),
					slog.String("to", next.String()))
				state = next
				continue
			}
			// Every endpoint shape rejected the request.
			return nil, errors.Newf(errors.KindProviderHTTP, "no supported embedding endpoint: %v", err)
		}
		return nil, err
	}
}

// kindUnsupportedEndpoint is internal to the state machine; it never leaves
// this package.
const kindUnsupportedEndpoint errors.Kind = "unsupported_endpoint"

// tryState runs one endpoint shape with its retry budget.
func (p *OllamaProvider) tryState(ctx context.Context, state endpointState, texts []string) ([][]float32, error) {
	switch state {
	case stateOpenAIBatch:
		return p.requestBatch(ctx, p.openaiEndpoint, func(batch []string) any {
			return map[string]any{"model": p.model, "input": batch}
		}, texts)
	case stateOpenAISingle:
		return p.requestPerItem(ctx, p.openaiEndpoint, func(text string) any {
			return map[string]any{"model": p.model, "input": []string{text}}
		}, texts)
	case stateOllamaEmbed:
		return p.requestBatch(ctx, p.embedEndpoint, func(batch []string) any {
			return map[string]any{"model": p.model, "input": batch}
		}, texts)
	case stateOllamaEmbeddings:
		return p.requestPerItem(ctx, p.embeddingsEndpoint, func(text string) any {
			return map[string]any{"model": p.model, "prompt": text}
		}, texts)
	default:
		return nil, errors.Newf(errors.KindInternal, "unknown endpoint state %d", state)
	}
}

// requestBatch sends all texts in one request.
func (p *OllamaProvider) requestBatch(ctx context.Context, url string, payload func([]string) any, texts []string) ([][]float32, error) {
	body, err := p.doWithRetry(ctx, url, payload(texts))
	if err != nil {
		return nil, err
	}
	vectors, err := parseEmbeddings(body)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, errors.Newf(errors.KindProviderHTTP,
			"expected %d embeddings, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

// requestPerItem sends one request per text and stitches the results,
// enforcing a single dimension across items.
func (p *OllamaProvider) requestPerItem(ctx context.Context, url string, payload func(string) any, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	dim := 0
	for i, text := range texts {
		body, err := p.doWithRetry(ctx, url, payload(text))
		if err != nil {
			return nil, err
		}
		parsed, err := parseEmbeddings(body)
		if err != nil {
			return nil, err
		}
		if len(parsed) != 1 {
			return nil, errors.Newf(errors.KindProviderHTTP, "expected 1 embedding, got %d", len(parsed))
		}
		if dim == 0 {
			dim = len(parsed[0])
		} else if len(parsed[0]) != dim {
			return nil, errors.Newf(errors.KindProviderDimMismatch,
				"item %d has dim %d, expected %d", i, len(parsed[0]), dim)
		}
		vectors[i] = parsed[0]
	}
	return vectors, nil
}

// doWithRetry posts with the per-state retry budget. It classifies failures
// as retryable (backoff and retry), unsupported (downgrade signal), or
// terminal.
func (p *OllamaProvider) doWithRetry(ctx context.Context, url string, payload any) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		res, err := p.transport.postJSON(ctx, url, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(errors.KindCancelled, "embed", ctx.Err())
			}
			lastErr = err
			if isRetryable(err, nil) {
				continue
			}
			return nil, err
		}

		if res.status >= 200 && res.status < 300 {
			return res.body, nil
		}
		if isUnsupported(res) {
			return nil, errors.Newf(kindUnsupportedEndpoint, "status %d: %s", res.status, truncate(res.body))
		}
		if isRetryable(nil, res) {
			lastErr = errors.Newf(errors.KindProviderRequestFailed, "status %d: %s", res.status, truncate(res.body))
			continue
		}
		return nil, errors.Newf(errors.KindProviderHTTP, "status %d: %s", res.status, truncate(res.body))
	}
	return nil, errors.Wrap(errors.KindProviderRequestFailed, "retries exhausted", lastErr)
}

// preference returns the latched start state.
func (p *OllamaProvider) preference() endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pref
}

// latch records a state that succeeded so later calls skip earlier shapes.
// The preference only moves forward.
func (p *OllamaProvider) latch(state endpointState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state > p.pref {
		slog.Debug("embed_endpoint_latched", slog.String("endpoint", state.String()))
		p.pref = state
	}
}

// Close releases transport resources.
func (p *OllamaProvider) Close() error {
	p.transport.close()
	return nil
}
