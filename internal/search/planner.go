// Package search plans and executes queries against the index store,
// fusing vector similarity with full-text ranking.
package search

import (
	"context"
	"log/slog"

	"github.com/leon90dm/clawdbot/internal/embed"
	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/pathgate"
	"github.com/leon90dm/clawdbot/internal/store"
)

// DefaultCandidateMultiplier scales each side's candidate pool relative to
// maxResults.
const DefaultCandidateMultiplier = 3

// Options configures a search.
type Options struct {
	MaxResults          int
	MinScore            float64
	HybridEnabled       bool
	VectorWeight        float64
	TextWeight          float64
	CandidateMultiplier int
	VectorEnabled       bool
}

// Result is one ranked passage.
type Result struct {
	ChunkID    int64           `json:"chunkId"`
	Path       string          `json:"path"`
	Source     pathgate.Source `json:"source"`
	ByteOffset int             `json:"byteOffset"`
	Text       string          `json:"text"`
	Score      float64         `json:"score"`
	// VectorScore and TextScore are the normalized per-side scores that
	// entered fusion, zero when the side produced no candidate.
	VectorScore float64 `json:"vectorScore"`
	TextScore   float64 `json:"textScore"`
}

// Planner executes hybrid queries.
type Planner struct {
	store    *store.Store
	provider embed.Provider
	opts     Options
}

// New creates a Planner.
func New(st *store.Store, provider embed.Provider, opts Options) *Planner {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = DefaultCandidateMultiplier
	}
	return &Planner{store: st, provider: provider, opts: opts}
}

// Search runs the query plan: embed the query, gather vector and text
// candidates, fuse, filter, and hydrate. Provider failures degrade to
// keyword-only ranking; with no text backend either, the result is empty
// rather than an error.
func (p *Planner) Search(ctx context.Context, query string) ([]Result, error) {
	k := p.opts.MaxResults * p.opts.CandidateMultiplier

	queryVec := p.embedQuery(ctx, query)

	var vectorHits []store.VectorHit
	if queryVec != nil {
		hits, err := p.store.VectorSearch(ctx, queryVec, k)
		if err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return nil, err
			}
			slog.Warn("vector_search_failed", slog.String("error", err.Error()))
		} else {
			vectorHits = hits
		}
	}

	var textHits []store.TextHit
	if p.textSideWanted(vectorHits) && p.store.FTSAvailable() {
		hits, err := p.store.TextSearch(ctx, query, k)
		if err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return nil, err
			}
			slog.Warn("text_search_failed", slog.String("error", err.Error()))
		} else {
			textHits = hits
		}
	}

	wv, wt := p.weights(vectorHits, textHits)
	fused := fuse(vectorHits, textHits, wv, wt)

	results := make([]Result, 0, p.opts.MaxResults)
	for _, f := range fused {
		if f.Score < p.opts.MinScore {
			continue
		}
		cctx, err := p.store.LoadChunkContext(ctx, f.ChunkID)
		if err != nil {
			return nil, err
		}
		if cctx == nil {
			continue
		}
		results = append(results, Result{
			ChunkID:     f.ChunkID,
			Path:        cctx.RelPath,
			Source:      cctx.Source,
			ByteOffset:  cctx.ByteOffset,
			Text:        cctx.Text,
			Score:       f.Score,
			VectorScore: f.VectorScore,
			TextScore:   f.TextScore,
		})
		if len(results) == p.opts.MaxResults {
			break
		}
	}
	return results, nil
}

// embedQuery computes the query vector, treating failures and zero vectors
// as "no information": the planner degrades to keyword-only ranking.
func (p *Planner) embedQuery(ctx context.Context, query string) []float32 {
	if !p.opts.VectorEnabled || query == "" {
		return nil
	}
	vec, err := p.provider.EmbedQuery(ctx, query)
	if err != nil {
		soft := errors.Wrap(errors.KindEmbeddingQueryFailed, "embed query", err)
		slog.Warn("embedding_query_failed", slog.String("error", soft.Error()))
		return nil
	}
	if embed.IsZeroVector(vec) {
		return nil
	}
	return vec
}

// textSideWanted reports whether the text side should run: always under
// hybrid, and as the fallback ranking when the vector side came up empty.
func (p *Planner) textSideWanted(vectorHits []store.VectorHit) bool {
	if p.opts.HybridEnabled {
		return true
	}
	return len(vectorHits) == 0
}

// weights resolves fusion weights. Hybrid disabled means vector-only
// (1, 0) — unless the vector side produced nothing, in which case the text
// fallback ranks alone.
func (p *Planner) weights(vectorHits []store.VectorHit, textHits []store.TextHit) (float64, float64) {
	if p.opts.HybridEnabled {
		return p.opts.VectorWeight, p.opts.TextWeight
	}
	if len(vectorHits) == 0 && len(textHits) > 0 {
		return 0, 1
	}
	return 1, 0
}
