package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/pathgate"
)

// DBFileName is the store file inside the store directory.
const DBFileName = "index.sqlite"

// Options configures Open.
type Options struct {
	// Dir is the store directory; created if missing.
	Dir string
	// Fingerprint is providerId + "/" + modelId. A mismatch with the
	// stored fingerprint drops all vectors and flags a reindex.
	Fingerprint string
	// VectorEnabled turns the vector side on.
	VectorEnabled bool
	// FTSBackend selects the text index: "fts5" (default) or "bleve".
	FTSBackend string
}

// Store is the embedded index database. One writer at a time, guarded by an
// internal mutex and a cross-process flock on the store directory.
type Store struct {
	db   *sql.DB
	dir  string
	lock *flock.Flock

	fts     textIndex
	vectors *vectorIndex

	vectorEnabled   bool
	vectorAvailable bool
	reindexRequired bool
	fingerprint     string

	mu  sync.Mutex // serializes writers
	dim int
}

// Open creates or opens the store, migrating in place.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create store dir", err)
	}

	lock := flock.New(filepath.Join(opts.Dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "acquire store lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.KindIO, "store locked by another process: %s", opts.Dir)
	}

	dbPath := filepath.Join(opts.Dir, DBFileName)
	if err := validateIntegrity(dbPath); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(errors.KindIO, "open store", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:            db,
		dir:           opts.Dir,
		lock:          lock,
		vectorEnabled: opts.VectorEnabled,
		fingerprint:   opts.Fingerprint,
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := s.migrateMeta(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	switch opts.FTSBackend {
	case "bleve":
		s.fts = newBleveIndex(filepath.Join(opts.Dir, "bleve"))
	default:
		s.fts = newFTS5Index(db)
	}

	if s.vectorEnabled && probeVectorIndex() {
		s.vectors = newVectorIndex()
		if err := s.rebuildVectorIndex(ctx); err != nil {
			slog.Warn("vector_index_rebuild_failed", slog.String("error", err.Error()))
			s.vectors = nil
		} else {
			s.vectorAvailable = true
		}
	}

	slog.Info("store_opened",
		slog.String("dir", opts.Dir),
		slog.Bool("vector_available", s.vectorAvailable),
		slog.Bool("fts_available", s.fts.available()),
		slog.Bool("reindex_required", s.reindexRequired))

	return s, nil
}

// validateIntegrity checks an existing database before use. A store that
// fails the check surfaces store_corrupt; migration cannot fix it.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return errors.Wrap(errors.KindStoreCorrupt, "open for validation", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(errors.KindStoreCorrupt, "integrity check", err)
	}
	if result != "ok" {
		return errors.Newf(errors.KindStoreCorrupt, "integrity check: %s", result)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rel_path TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		mtime_ns INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		file_sha256 TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		byte_offset INTEGER NOT NULL,
		byte_len INTEGER NOT NULL,
		text TEXT NOT NULL,
		chunk_sha256 TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS chunks_file_idx ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS vectors (
		chunk_id INTEGER PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		provider_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		dim INTEGER NOT NULL,
		embedding BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL,
		model_fingerprint TEXT NOT NULL,
		dim INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_synced_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		provider_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		chunk_sha256 TEXT NOT NULL,
		dim INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (provider_id, model_id, chunk_sha256)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(errors.KindStoreCorrupt, "initialize schema", err)
	}
	return nil
}

// migrateMeta reconciles the index_meta row with the configured fingerprint.
// A fingerprint change invalidates every stored vector.
func (s *Store) migrateMeta(ctx context.Context) error {
	var fingerprint string
	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT model_fingerprint, dim FROM index_meta WHERE id = 1`).Scan(&fingerprint, &dim)

	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO index_meta (id, schema_version, model_fingerprint, dim, created_at) VALUES (1, ?, ?, 0, ?)`,
			SchemaVersion, s.fingerprint, time.Now().UnixNano())
		if err != nil {
			return errors.Wrap(errors.KindStoreCorrupt, "create index meta", err)
		}
		return nil
	case err != nil:
		return errors.Wrap(errors.KindStoreCorrupt, "read index meta", err)
	}

	s.dim = dim
	if fingerprint == s.fingerprint {
		return nil
	}

	slog.Info("embedding_model_changed",
		slog.String("from", fingerprint),
		slog.String("to", s.fingerprint))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM vectors`); err != nil {
		return errors.Wrap(errors.KindIO, "drop stale vectors", err)
	}
	if _, err := tx.Exec(`UPDATE index_meta SET model_fingerprint = ?, dim = 0 WHERE id = 1`, s.fingerprint); err != nil {
		return errors.Wrap(errors.KindIO, "update fingerprint", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit migration", err)
	}

	s.dim = 0
	s.reindexRequired = true
	return nil
}

// rebuildVectorIndex loads every stored vector into the HNSW graph.
func (s *Store) rebuildVectorIndex(ctx context.Context) error {
	s.vectors.reset()
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM vectors`)
	if err != nil {
		return errors.Wrap(errors.KindIO, "load vectors", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return errors.Wrap(errors.KindIO, "scan vector", err)
		}
		if err := s.vectors.add(id, decodeVector(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReindexRequired reports whether a model change at open invalidated the
// stored vectors; vector queries stay empty until the next sync.
func (s *Store) ReindexRequired() bool { return s.reindexRequired }

// ClearReindexRequired is called by the sync engine once vectors are
// repopulated.
func (s *Store) ClearReindexRequired() { s.reindexRequired = false }

// VectorAvailable reports whether the native vector index is operational.
func (s *Store) VectorAvailable() bool { return s.vectorAvailable }

// FTSAvailable reports whether the full-text backend is operational.
func (s *Store) FTSAvailable() bool { return s.fts.available() }

// ProbeVectorAvailability re-runs the open-time vector probe.
func (s *Store) ProbeVectorAvailability() bool {
	return s.vectorEnabled && probeVectorIndex()
}

// Meta returns the index_meta row.
func (s *Store) Meta(ctx context.Context) (*Meta, error) {
	var m Meta
	var createdAt int64
	var lastSynced sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, model_fingerprint, dim, created_at, last_synced_at FROM index_meta WHERE id = 1`).
		Scan(&m.SchemaVersion, &m.ModelFingerprint, &m.Dim, &createdAt, &lastSynced)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read meta", err)
	}
	m.CreatedAt = time.Unix(0, createdAt)
	if lastSynced.Valid {
		m.LastSyncedAt = time.Unix(0, lastSynced.Int64)
	}
	return &m, nil
}

// SetLastSynced records a successful sync.
func (s *Store) SetLastSynced(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE index_meta SET last_synced_at = ? WHERE id = 1`, t.UnixNano())
	if err != nil {
		return errors.Wrap(errors.KindIO, "update last synced", err)
	}
	return nil
}

// FileRecords returns every tracked file keyed by relPath, with chunk
// counts, for sync planning.
func (s *Store) FileRecords(ctx context.Context) (map[string]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.rel_path, f.source, f.mtime_ns, f.size_bytes, f.file_sha256,
		       (SELECT COUNT(*) FROM chunks c WHERE c.file_id = f.id)
		FROM files f`)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list files", err)
	}
	defer func() { _ = rows.Close() }()

	records := make(map[string]*FileRecord)
	for rows.Next() {
		var r FileRecord
		var source string
		if err := rows.Scan(&r.ID, &r.RelPath, &source, &r.MtimeNs, &r.Size, &r.SHA256, &r.NumChunks); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan file", err)
		}
		r.Source = pathgate.Source(source)
		records[r.RelPath] = &r
	}
	return records, rows.Err()
}

// UpsertFileWithChunks replaces one file's rows in a single transaction:
// old chunks, vectors, and text entries go, the new set comes in.
func (s *Store) UpsertFileWithChunks(ctx context.Context, batch FileBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBatchDims(batch); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin upsert", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.fts.rollback()
		}
	}()

	removed, err := s.deleteFileTx(tx, batch.File.RelPath)
	if err != nil {
		return err
	}

	added, err := s.insertFileTx(tx, batch)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit upsert", err)
	}
	committed = true

	s.applyVectorChanges(removed, added)
	if err := s.fts.commit(); err != nil {
		return err
	}
	return s.persistDim(ctx, batch)
}

// DeleteFile removes a file and cascades to its chunks, vectors, and text
// entries in one transaction.
func (s *Store) DeleteFile(ctx context.Context, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin delete", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.fts.rollback()
		}
	}()

	removed, err := s.deleteFileTx(tx, relPath)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit delete", err)
	}
	committed = true

	s.applyVectorChanges(removed, nil)
	return s.fts.commit()
}

// ReplaceAll atomically swaps the entire index content for the given
// batches. The transaction is the staging area: readers observe the old
// tables until commit, and any error rolls everything back untouched.
func (s *Store) ReplaceAll(ctx context.Context, batches []FileBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range batches {
		if err := s.checkBatchDims(b); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin replace", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.fts.rollback()
		}
	}()

	for _, table := range []string{"vectors", "chunks", "files"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return errors.Wrap(errors.KindIO, "clear "+table, err)
		}
	}
	if err := s.fts.clearTx(tx); err != nil {
		return errors.Wrap(errors.KindIO, "clear text index", err)
	}

	var added []vectorAdd
	for _, batch := range batches {
		a, err := s.insertFileTx(tx, batch)
		if err != nil {
			return err
		}
		added = append(added, a...)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit replace", err)
	}
	committed = true

	if s.vectors != nil {
		s.vectors.reset()
	}
	s.applyVectorChanges(nil, added)
	if err := s.fts.commit(); err != nil {
		return err
	}

	for _, b := range batches {
		if err := s.persistDim(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// vectorAdd records one committed vector for post-commit graph updates.
type vectorAdd struct {
	chunkID int64
	vec     []float32
}

// deleteFileTx removes one file's rows inside tx and returns the removed
// chunk ids.
func (s *Store) deleteFileTx(tx *sql.Tx, relPath string) ([]int64, error) {
	var fileID int64
	err := tx.QueryRow(`SELECT id FROM files WHERE rel_path = ?`, relPath).Scan(&fileID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "lookup file", err)
	}

	rows, err := tx.Query(`SELECT id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list chunks", err)
	}
	var chunkIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(errors.KindIO, "scan chunk id", err)
		}
		chunkIDs = append(chunkIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindIO, "iterate chunks", err)
	}

	if len(chunkIDs) > 0 {
		placeholders := make([]string, len(chunkIDs))
		args := make([]any, len(chunkIDs))
		for i, id := range chunkIDs {
			placeholders[i] = "?"
			args[i] = id
		}
		in := strings.Join(placeholders, ",")
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM vectors WHERE chunk_id IN (%s)`, in), args...); err != nil {
			return nil, errors.Wrap(errors.KindIO, "delete vectors", err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, in), args...); err != nil {
			return nil, errors.Wrap(errors.KindIO, "delete chunks", err)
		}
		if err := s.fts.deleteTx(tx, chunkIDs); err != nil {
			return nil, errors.Wrap(errors.KindIO, "delete text entries", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return nil, errors.Wrap(errors.KindIO, "delete file", err)
	}
	return chunkIDs, nil
}

// insertFileTx inserts one file, its chunks, its vectors, and its text
// entries inside tx. Returns the vectors to add to the graph on commit.
func (s *Store) insertFileTx(tx *sql.Tx, batch FileBatch) ([]vectorAdd, error) {
	res, err := tx.Exec(
		`INSERT INTO files (rel_path, source, mtime_ns, size_bytes, file_sha256) VALUES (?, ?, ?, ?, ?)`,
		batch.File.RelPath, string(batch.File.Source), batch.File.MtimeNs, batch.File.Size, batch.File.SHA256)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "insert file", err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "file id", err)
	}

	var added []vectorAdd
	for i, ch := range batch.Chunks {
		res, err := tx.Exec(
			`INSERT INTO chunks (file_id, chunk_index, byte_offset, byte_len, text, chunk_sha256) VALUES (?, ?, ?, ?, ?, ?)`,
			fileID, ch.Index, ch.ByteOffset, ch.ByteLen, ch.Text, ch.SHA256)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "insert chunk", err)
		}
		chunkID, err := res.LastInsertId()
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "chunk id", err)
		}

		if err := s.fts.insertTx(tx, chunkID, ch.Text); err != nil {
			return nil, errors.Wrap(errors.KindIO, "insert text entry", err)
		}

		if i < len(batch.Vectors) && batch.Vectors[i] != nil {
			vec := batch.Vectors[i]
			_, err := tx.Exec(
				`INSERT INTO vectors (chunk_id, provider_id, model_id, dim, embedding) VALUES (?, ?, ?, ?, ?)`,
				chunkID, providerOf(s.fingerprint), modelOf(s.fingerprint), len(vec), encodeVector(vec))
			if err != nil {
				return nil, errors.Wrap(errors.KindIO, "insert vector", err)
			}
			added = append(added, vectorAdd{chunkID: chunkID, vec: vec})
		}
	}
	return added, nil
}

// checkBatchDims enforces one dimension across the index.
func (s *Store) checkBatchDims(batch FileBatch) error {
	for _, vec := range batch.Vectors {
		if vec == nil {
			continue
		}
		if len(vec) == 0 {
			return errors.New(errors.KindProviderDimMismatch, "zero-dimension vector")
		}
		if s.dim == 0 {
			s.dim = len(vec)
		} else if len(vec) != s.dim {
			return errors.Newf(errors.KindProviderDimMismatch, "vector dim %d, index dim %d", len(vec), s.dim)
		}
	}
	return nil
}

// persistDim records the index dimension once known.
func (s *Store) persistDim(ctx context.Context, batch FileBatch) error {
	if s.dim == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE index_meta SET dim = ? WHERE id = 1 AND dim != ?`, s.dim, s.dim)
	if err != nil {
		return errors.Wrap(errors.KindIO, "persist dim", err)
	}
	return nil
}

// applyVectorChanges updates the in-memory graph after a commit.
func (s *Store) applyVectorChanges(removed []int64, added []vectorAdd) {
	if s.vectors == nil {
		return
	}
	if len(removed) > 0 {
		s.vectors.remove(removed)
	}
	for _, a := range added {
		if err := s.vectors.add(a.chunkID, a.vec); err != nil {
			slog.Warn("vector_graph_add_failed",
				slog.Int64("chunk_id", a.chunkID),
				slog.String("error", err.Error()))
		}
	}
}

// TouchFile refreshes a file's stat columns when its content hash is
// unchanged, so the next scan can skip hashing it again.
func (s *Store) TouchFile(ctx context.Context, relPath string, mtimeNs, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET mtime_ns = ?, size_bytes = ? WHERE rel_path = ?`, mtimeNs, size, relPath)
	if err != nil {
		return errors.Wrap(errors.KindIO, "touch file", err)
	}
	return nil
}

// VectorSearch returns the k best chunks by cosine similarity. With the
// HNSW graph available it delegates; otherwise it brute-force scans the
// vectors table.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if !s.vectorEnabled || len(query) == 0 || k <= 0 {
		return nil, nil
	}
	if s.vectorAvailable {
		return s.vectors.search(query, k)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM vectors`)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan vectors", err)
	}
	defer func() { _ = rows.Close() }()

	all := make(map[int64][]float32)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan vector", err)
		}
		all[id] = decodeVector(blob)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindIO, "iterate vectors", err)
	}
	return bruteForceSearch(query, all, k), nil
}

// TextSearch returns the k best chunks by the text backend's ranking, with
// scores min-max normalized over the returned batch.
func (s *Store) TextSearch(ctx context.Context, query string, k int) ([]TextHit, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := s.fts.search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	normalizeTextScores(hits)
	return hits, nil
}

// normalizeTextScores maps raw scores onto [0, 1] by min-max over the batch.
func normalizeTextScores(hits []TextHit) {
	if len(hits) == 0 {
		return
	}
	minScore, maxScore := hits[0].RawScore, hits[0].RawScore
	for _, h := range hits[1:] {
		if h.RawScore < minScore {
			minScore = h.RawScore
		}
		if h.RawScore > maxScore {
			maxScore = h.RawScore
		}
	}
	for i := range hits {
		if maxScore > minScore {
			hits[i].Score = (hits[i].RawScore - minScore) / (maxScore - minScore)
		} else {
			hits[i].Score = 1
		}
	}
}

// LoadChunkContext hydrates a chunk with its file's path and source.
func (s *Store) LoadChunkContext(ctx context.Context, chunkID int64) (*ChunkContext, error) {
	var c ChunkContext
	var source string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, f.rel_path, f.source, c.byte_offset, c.text
		FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.id = ?`, chunkID).
		Scan(&c.ChunkID, &c.RelPath, &source, &c.ByteOffset, &c.Text)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "load chunk context", err)
	}
	c.Source = pathgate.Source(source)
	return &c, nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM files), (SELECT COUNT(*) FROM chunks)`).
		Scan(&stats.Files, &stats.Chunks)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "count", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.source, COUNT(DISTINCT f.id),
		       (SELECT COUNT(*) FROM chunks c JOIN files f2 ON f2.id = c.file_id WHERE f2.source = f.source)
		FROM files f GROUP BY f.source ORDER BY f.source`)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "count by source", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sc SourceCount
		var source string
		if err := rows.Scan(&source, &sc.Files, &sc.Chunks); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan source count", err)
		}
		sc.Source = pathgate.Source(source)
		stats.SourceCounts = append(stats.SourceCounts, sc)
	}
	return stats, rows.Err()
}

// GetBatch implements embed.Cache: fetch cached vectors by content hash.
func (s *Store) GetBatch(ctx context.Context, providerID, modelID string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	const chunkSize = 500 // stay under SQLite's bind variable limit
	for start := 0; start < len(hashes); start += chunkSize {
		end := start + chunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		part := hashes[start:end]

		placeholders := make([]string, len(part))
		args := []any{providerID, modelID}
		for i, h := range part {
			placeholders[i] = "?"
			args = append(args, h)
		}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT chunk_sha256, embedding FROM embedding_cache
			 WHERE provider_id = ? AND model_id = ? AND chunk_sha256 IN (%s)`,
			strings.Join(placeholders, ",")), args...)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "cache lookup", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				_ = rows.Close()
				return nil, errors.Wrap(errors.KindIO, "scan cache row", err)
			}
			out[hash] = decodeVector(blob)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(errors.KindIO, "iterate cache", err)
		}
		_ = rows.Close()
	}
	return out, nil
}

// PutBatch implements embed.Cache: store vectors transactionally.
func (s *Store) PutBatch(ctx context.Context, providerID, modelID string, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin cache put", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO embedding_cache (provider_id, model_id, chunk_sha256, dim, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(errors.KindIO, "prepare cache put", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixNano()
	for hash, vec := range entries {
		if _, err := stmt.Exec(providerID, modelID, hash, len(vec), encodeVector(vec), now); err != nil {
			return errors.Wrap(errors.KindIO, "cache put", err)
		}
	}
	// Size cap: evict oldest entries beyond the limit.
	if _, err := tx.Exec(`
		DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache
			ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, maxCacheEntries); err != nil {
		return errors.Wrap(errors.KindIO, "prune cache", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit cache put", err)
	}
	return nil
}

// maxCacheEntries bounds the persistent embedding cache.
const maxCacheEntries = 100_000

// Close checkpoints and closes the store, releasing the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.fts.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(errors.KindIO, "close store", err)
		}
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return firstErr
}

// providerOf splits "provider/model" fingerprints.
func providerOf(fingerprint string) string {
	if i := strings.IndexByte(fingerprint, '/'); i >= 0 {
		return fingerprint[:i]
	}
	return fingerprint
}

// modelOf returns the model part of a fingerprint.
func modelOf(fingerprint string) string {
	if i := strings.IndexByte(fingerprint, '/'); i >= 0 {
		return fingerprint[i+1:]
	}
	return ""
}
