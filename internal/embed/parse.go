package embed

import (
	"encoding/json"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// embeddingResponse covers every body shape the supported endpoints return:
//
//	{"data": [{"embedding": [...]}, ...]}   OpenAI-compatible
//	{"embeddings": [[...], ...]}            Ollama /api/embed
//	{"embedding": [...]}                    Ollama /api/embeddings
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embeddings [][]float32 `json:"embeddings"`
	Embedding  []float32   `json:"embedding"`
}

// parseEmbeddings extracts vectors from a response body and validates that
// every vector shares one dimension > 0.
func parseEmbeddings(body []byte) ([][]float32, error) {
	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(errors.KindProviderHTTP, "decode embedding response", err)
	}

	var vectors [][]float32
	switch {
	case len(resp.Data) > 0:
		vectors = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vectors[i] = d.Embedding
		}
	case len(resp.Embeddings) > 0:
		vectors = resp.Embeddings
	case len(resp.Embedding) > 0:
		vectors = [][]float32{resp.Embedding}
	default:
		return nil, errors.New(errors.KindProviderHTTP, "no embeddings in response")
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, errors.New(errors.KindProviderDimMismatch, "provider returned zero-dimension vector")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, errors.Newf(errors.KindProviderDimMismatch,
				"vector %d has dim %d, expected %d", i, len(v), dim)
		}
	}
	return vectors, nil
}
