package search

import (
	"sort"

	"github.com/leon90dm/clawdbot/internal/store"
)

// fusedHit is one candidate after score fusion.
type fusedHit struct {
	ChunkID     int64
	Score       float64
	VectorScore float64
	TextScore   float64
}

// fuse combines the two candidate lists by weighted score:
//
//	fused = w_v * (cos+1)/2 + w_t * text
//
// A side that produced no candidate for a chunk contributes zero.
// Candidates are deduplicated by chunk id keeping the maximum fused score,
// and sorted descending with chunk id as the deterministic tie-break.
func fuse(vectorHits []store.VectorHit, textHits []store.TextHit, wv, wt float64) []fusedHit {
	if len(vectorHits) == 0 && len(textHits) == 0 {
		return nil
	}

	byChunk := make(map[int64]*fusedHit, len(vectorHits)+len(textHits))

	for _, h := range vectorHits {
		normalized := (h.Score + 1) / 2
		f := getOrCreate(byChunk, h.ChunkID)
		if normalized > f.VectorScore {
			f.VectorScore = normalized
		}
	}
	for _, h := range textHits {
		f := getOrCreate(byChunk, h.ChunkID)
		if h.Score > f.TextScore {
			f.TextScore = h.Score
		}
	}

	fused := make([]fusedHit, 0, len(byChunk))
	for _, f := range byChunk {
		f.Score = wv*f.VectorScore + wt*f.TextScore
		fused = append(fused, *f)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	return fused
}

func getOrCreate(m map[int64]*fusedHit, id int64) *fusedHit {
	if f, ok := m[id]; ok {
		return f
	}
	f := &fusedHit{ChunkID: id}
	m[id] = f
	return f
}
