// Package embed converts text into fixed-dimension vectors via a remote
// embedding provider. Two provider variants share one HTTP transport: an
// OpenAI-compatible endpoint and an Ollama endpoint with a multi-endpoint
// fallback protocol.
package embed

import (
	"context"
	"time"
)

// Transport constants.
const (
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxBatch is the maximum texts per provider request.
	DefaultMaxBatch = 64

	// MaxItemBytes caps a single text's size on the wire.
	MaxItemBytes = 512 * 1024

	// maxAttempts is the retry budget per endpoint state.
	maxAttempts = 3

	// retryBaseDelay is the first backoff step: 150ms * 2^(attempt-1).
	retryBaseDelay = 150 * time.Millisecond
)

// Provider generates vector embeddings for text.
type Provider interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds up to MaxBatch texts. Empty input yields empty
	// output. All returned vectors share one dimension > 0.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ProviderID identifies the provider ("openai", "ollama").
	ProviderID() string

	// ModelID identifies the embedding model.
	ModelID() string

	// Close releases transport resources.
	Close() error
}

// Cache persists vectors keyed by (providerID, modelID, chunk SHA-256).
// The index store supplies the durable implementation.
type Cache interface {
	// GetBatch returns the cached vectors for the given hashes. Missing
	// hashes are simply absent from the result.
	GetBatch(ctx context.Context, providerID, modelID string, hashes []string) (map[string][]float32, error)

	// PutBatch stores vectors transactionally.
	PutBatch(ctx context.Context, providerID, modelID string, entries map[string][]float32) error
}

// IsZeroVector reports whether every component is zero. A zero query vector
// carries no information and must not contribute to ranking.
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
