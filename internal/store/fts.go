package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// textIndex abstracts the full-text backend. The SQLite FTS5 implementation
// participates in the store's transactions directly; the bleve
// implementation buffers writes per transaction and applies them on commit.
type textIndex interface {
	// insertTx stages one chunk's text under the given transaction.
	insertTx(tx *sql.Tx, chunkID int64, text string) error
	// deleteTx stages removal of the given chunks.
	deleteTx(tx *sql.Tx, chunkIDs []int64) error
	// clearTx stages removal of every entry.
	clearTx(tx *sql.Tx) error
	// commit applies buffered operations after the store transaction
	// committed. No-op for transactional backends.
	commit() error
	// rollback discards buffered operations.
	rollback()
	// search returns candidates ranked by the backend's BM25-like score.
	search(ctx context.Context, query string, limit int) ([]TextHit, error)
	// available reports whether the backend is operational.
	available() bool
	// close releases resources.
	close() error
}

// fts5Index ranks chunks with the SQLite FTS5 extension.
type fts5Index struct {
	db *sql.DB
	ok bool
}

// newFTS5Index probes for FTS5 support by creating the virtual table.
// Absence of the extension degrades the store to vector-only search.
func newFTS5Index(db *sql.DB) *fts5Index {
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	)`)
	return &fts5Index{db: db, ok: err == nil}
}

func (f *fts5Index) insertTx(tx *sql.Tx, chunkID int64, text string) error {
	if !f.ok {
		return nil
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	_, err := tx.Exec(`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`,
		chunkID, strings.Join(tokens, " "))
	return err
}

func (f *fts5Index) deleteTx(tx *sql.Tx, chunkIDs []int64) error {
	if !f.ok || len(chunkIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM chunks_fts WHERE chunk_id IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	return err
}

func (f *fts5Index) clearTx(tx *sql.Tx) error {
	if !f.ok {
		return nil
	}
	_, err := tx.Exec(`DELETE FROM chunks_fts`)
	return err
}

func (f *fts5Index) commit() error { return nil }
func (f *fts5Index) rollback()     {}

func (f *fts5Index) search(ctx context.Context, query string, limit int) ([]TextHit, error) {
	if !f.ok {
		return nil, nil
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	// FTS5 bm25() is negative where lower is better; negate so higher is
	// better like every other score in the store. Query terms are AND-joined:
	// a chunk matches only when it contains every term.
	rows, err := f.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE content MATCH ?
		ORDER BY score
		LIMIT ?`,
		strings.Join(tokens, " AND "), limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindIO, "fts query", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []TextHit
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan fts row", err)
		}
		hits = append(hits, TextHit{ChunkID: id, RawScore: -score})
	}
	return hits, rows.Err()
}

func (f *fts5Index) available() bool { return f.ok }
func (f *fts5Index) close() error    { return nil }
