// Package store is the persistence layer of the index: a single-file SQLite
// database holding files, chunks, vectors, index metadata, and the embedding
// cache, plus a pluggable full-text index and an in-memory HNSW vector
// graph rebuilt from the vectors table at open.
package store

import (
	"time"

	"github.com/leon90dm/clawdbot/internal/pathgate"
)

// SchemaVersion is the current store schema.
const SchemaVersion = 1

// FileRecord is one tracked file.
type FileRecord struct {
	ID        int64
	RelPath   string
	Source    pathgate.Source
	MtimeNs   int64
	Size      int64
	SHA256    string
	NumChunks int
}

// ChunkRecord is one retrievable text window.
type ChunkRecord struct {
	ID         int64
	FileID     int64
	Index      int
	ByteOffset int
	ByteLen    int
	Text       string
	SHA256     string
}

// FileBatch bundles a file with its chunks and optional vectors for bulk
// writes. Vectors aligns with Chunks; nil entries mean no vector.
type FileBatch struct {
	File    FileRecord
	Chunks  []ChunkRecord
	Vectors [][]float32
}

// VectorHit is one vector search candidate.
type VectorHit struct {
	ChunkID int64
	// Score is cosine similarity in [-1, 1].
	Score float64
}

// TextHit is one full-text search candidate.
type TextHit struct {
	ChunkID int64
	// RawScore is the backend's BM25-like score (higher is better).
	RawScore float64
	// Score is min-max normalized over the returned batch, in [0, 1].
	Score float64
}

// ChunkContext hydrates a search hit for presentation.
type ChunkContext struct {
	ChunkID    int64
	RelPath    string
	Source     pathgate.Source
	ByteOffset int
	Text       string
}

// Meta is the single index_meta row.
type Meta struct {
	SchemaVersion    int
	ModelFingerprint string
	Dim              int
	CreatedAt        time.Time
	LastSyncedAt     time.Time
}

// SourceCount aggregates per-source statistics.
type SourceCount struct {
	Source pathgate.Source `json:"source"`
	Files  int             `json:"files"`
	Chunks int             `json:"chunks"`
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Files        int
	Chunks       int
	SourceCounts []SourceCount
}
