package store

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// vectorIndex wraps a coder/hnsw graph keyed by chunk id. Deletes are lazy
// tombstones: chunk ids are never reused, so a tombstoned key simply drops
// out of results until the next rebuild.
type vectorIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dim        int
	live       map[uint64]struct{}
	tombstones int
}

// newVectorIndex creates an empty graph with cosine distance.
func newVectorIndex() *vectorIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 32
	g.Ml = 0.25
	return &vectorIndex{graph: g, live: make(map[uint64]struct{})}
}

// probeVectorIndex verifies the graph implementation is operational by
// inserting and querying a throwaway vector. Run once at open.
func probeVectorIndex() bool {
	defer func() { _ = recover() }()
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.Add(hnsw.MakeNode(uint64(1), []float32{1, 0}))
	return len(g.Search([]float32{1, 0}, 1)) == 1
}

// add inserts (or replaces) one chunk vector.
func (v *vectorIndex) add(chunkID int64, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dim == 0 {
		v.dim = len(vec)
	} else if len(vec) != v.dim {
		return errors.Newf(errors.KindProviderDimMismatch, "vector dim %d, index dim %d", len(vec), v.dim)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	key := uint64(chunkID)
	v.graph.Add(hnsw.MakeNode(key, normalized))
	v.live[key] = struct{}{}
	return nil
}

// remove tombstones chunk vectors.
func (v *vectorIndex) remove(chunkIDs []int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range chunkIDs {
		if _, ok := v.live[uint64(id)]; ok {
			delete(v.live, uint64(id))
			v.tombstones++
		}
	}
}

// reset drops everything, for rebuilds.
func (v *vectorIndex) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 32
	g.Ml = 0.25
	v.graph = g
	v.live = make(map[uint64]struct{})
	v.dim = 0
	v.tombstones = 0
}

// size returns the number of live vectors.
func (v *vectorIndex) size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.live)
}

// search returns the k nearest live chunks by cosine similarity.
func (v *vectorIndex) search(query []float32, k int) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.live) == 0 {
		return nil, nil
	}
	if v.dim != 0 && len(query) != v.dim {
		return nil, errors.Newf(errors.KindProviderDimMismatch, "query dim %d, index dim %d", len(query), v.dim)
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for tombstoned nodes still in the graph.
	nodes := v.graph.Search(normalized, k+v.tombstones)

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		if _, ok := v.live[node.Key]; !ok {
			continue
		}
		cos := 1 - float64(v.graph.Distance(normalized, node.Value))
		hits = append(hits, VectorHit{ChunkID: int64(node.Key), Score: clampCosine(cos)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// bruteForceSearch scans raw vectors when the graph is unavailable.
func bruteForceSearch(query []float32, vectors map[int64][]float32, k int) []VectorHit {
	if len(vectors) == 0 || len(query) == 0 {
		return nil
	}
	hits := make([]VectorHit, 0, len(vectors))
	for id, vec := range vectors {
		if len(vec) != len(query) {
			continue
		}
		hits = append(hits, VectorHit{ChunkID: id, Score: clampCosine(cosineSimilarity(query, vec))})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// cosineSimilarity computes cos(a, b) without assuming unit vectors.
func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clampCosine(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return
	}
	for i, x := range v {
		v[i] = float32(float64(x) / mag)
	}
}

// encodeVector serializes float32s little-endian for the BLOB columns.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// decodeVector deserializes a BLOB back into float32s.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
