package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leon90dm/clawdbot/internal/errors"
)

func embeddingBody(vectors ...[]float32) []byte {
	type item struct {
		Embedding []float32 `json:"embedding"`
	}
	data := make([]item, len(vectors))
	for i, v := range vectors {
		data[i] = item{Embedding: v}
	}
	body, _ := json.Marshal(map[string]any{"data": data})
	return body
}

func TestParseEmbeddingsShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"openai data", `{"data":[{"embedding":[1,2]},{"embedding":[3,4]}]}`, 2},
		{"ollama embed", `{"embeddings":[[1,2],[3,4],[5,6]]}`, 3},
		{"ollama embeddings", `{"embedding":[1,2,3]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vectors, err := parseEmbeddings([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, vectors, tt.want)
		})
	}
}

func TestParseEmbeddingsDimMismatch(t *testing.T) {
	_, err := parseEmbeddings([]byte(`{"embeddings":[[1,2],[3]]}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderDimMismatch, errors.KindOf(err))
}

func TestParseEmbeddingsZeroDim(t *testing.T) {
	_, err := parseEmbeddings([]byte(`{"embeddings":[[]]}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderDimMismatch, errors.KindOf(err))
}

func TestParseEmbeddingsEmpty(t *testing.T) {
	_, err := parseEmbeddings([]byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderHTTP, errors.KindOf(err))
}

func TestOpenAIEmbedBatch(t *testing.T) {
	var gotAuth string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write(embeddingBody([]float32{1, 0}, []float32{0, 1}))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "test-model", APIKey: "sk-test"})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	vectors, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	// Bare host gets the conventional /v1 prefix.
	assert.Equal(t, "/v1/embeddings", gotPath)
}

func TestOpenAIAuthRequiredForDefaultBase(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderAuthMissing, errors.KindOf(err))

	// Third-party compatibles run keyless.
	_, err = NewOpenAIProvider(OpenAIConfig{BaseURL: "http://localhost:9999", Model: "m"})
	assert.NoError(t, err)
}

func TestOpenAIAuthHeaderOverride(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write(embeddingBody([]float32{1}))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{
		BaseURL: srv.URL,
		Model:   "m",
		APIKey:  "ignored",
		Headers: map[string]string{"Authorization": "Custom scheme"},
	})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "Custom scheme", gotAuth)
}

func TestOpenAIRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("connection reset by peer"))
			return
		}
		_, _ = w.Write(embeddingBody([]float32{1, 2}))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOpenAIRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderRequestFailed, errors.KindOf(err))
}

func TestOpenAINonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderHTTP, errors.KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAIEmptyBatch(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://localhost:1", Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestOpenAIBatchTooLarge(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://localhost:1", Model: "m", MaxBatch: 1})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

// ollamaFake simulates servers supporting only a subset of endpoint shapes.
type ollamaFake struct {
	t             *testing.T
	supports      map[string]bool // path -> supported
	batchRejected bool            // openai endpoint rejects input arrays > 1
	calls         map[string]int
	dim           int
}

func newOllamaFake(t *testing.T, dim int) *ollamaFake {
	return &ollamaFake{t: t, supports: map[string]bool{}, calls: map[string]int{}, dim: dim}
}

func (f *ollamaFake) vector(seed float32) []float32 {
	v := make([]float32, f.dim)
	v[0] = seed
	return v
}

func (f *ollamaFake) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls[r.URL.Path]++
		if !f.supports[r.URL.Path] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("404 page not found"))
			return
		}

		var req map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		switch r.URL.Path {
		case "/v1/embeddings":
			inputs, _ := req["input"].([]any)
			if f.batchRejected && len(inputs) > 1 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid input type"}`))
				return
			}
			vectors := make([][]float32, len(inputs))
			for i := range inputs {
				vectors[i] = f.vector(float32(i + 1))
			}
			_, _ = w.Write(embeddingBody(vectors...))
		case "/api/embed":
			inputs, _ := req["input"].([]any)
			vectors := make([][]float32, len(inputs))
			for i := range inputs {
				vectors[i] = f.vector(float32(i + 1))
			}
			body, _ := json.Marshal(map[string]any{"embeddings": vectors})
			_, _ = w.Write(body)
		case "/api/embeddings":
			require.NotEmpty(f.t, req["prompt"])
			body, _ := json.Marshal(map[string]any{"embedding": f.vector(1)})
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestOllamaBatchPreferred(t *testing.T) {
	fake := newOllamaFake(t, 4)
	fake.supports["/v1/embeddings"] = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 1, fake.calls["/v1/embeddings"])
	assert.Zero(t, fake.calls["/api/embed"])
}

func TestOllamaFallsBackToNativeEmbed(t *testing.T) {
	fake := newOllamaFake(t, 4)
	fake.supports["/api/embed"] = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)

	// openai-batch failed, openai-single failed, then /api/embed succeeded.
	assert.NotZero(t, fake.calls["/v1/embeddings"])
	assert.Equal(t, 1, fake.calls["/api/embed"])

	// The preference latched: the next call goes straight to /api/embed.
	openaiCalls := fake.calls["/v1/embeddings"]
	_, err = p.EmbedBatch(context.Background(), []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, openaiCalls, fake.calls["/v1/embeddings"])
	assert.Equal(t, 2, fake.calls["/api/embed"])
}

func TestOllamaFallsBackToSingle(t *testing.T) {
	fake := newOllamaFake(t, 4)
	fake.supports["/v1/embeddings"] = true
	fake.batchRejected = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
}

func TestOllamaLastResortEmbeddings(t *testing.T) {
	fake := newOllamaFake(t, 4)
	fake.supports["/api/embeddings"] = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 2, fake.calls["/api/embeddings"])
}

func TestOllamaAllEndpointsUnsupported(t *testing.T) {
	fake := newOllamaFake(t, 4)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderHTTP, errors.KindOf(err))
}

func TestOllamaTrimsV1Suffix(t *testing.T) {
	fake := newOllamaFake(t, 4)
	fake.supports["/api/embed"] = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls["/api/embed"])
}

func TestOllamaCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m", Timeout: 10 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.EmbedBatch(ctx, []string{"a"})
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
}

func TestIsZeroVector(t *testing.T) {
	assert.True(t, IsZeroVector([]float32{0, 0, 0}))
	assert.True(t, IsZeroVector(nil))
	assert.False(t, IsZeroVector([]float32{0, 0.1}))
}

// countingProvider counts EmbedQuery calls for cache tests.
type countingProvider struct {
	queries atomic.Int32
}

func (c *countingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.queries.Add(1)
	return []float32{1, 2, 3}, nil
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func (c *countingProvider) ProviderID() string { return "fake" }
func (c *countingProvider) ModelID() string    { return "fake-model" }
func (c *countingProvider) Close() error       { return nil }

func TestCachedProviderReusesQueryEmbedding(t *testing.T) {
	inner := &countingProvider{}
	p := NewCachedProvider(inner, 16)

	for i := 0; i < 3; i++ {
		vec, err := p.EmbedQuery(context.Background(), "same query")
		require.NoError(t, err)
		assert.Len(t, vec, 3)
	}
	assert.EqualValues(t, 1, inner.queries.Load())

	_, err := p.EmbedQuery(context.Background(), "different query")
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.queries.Load())
}
