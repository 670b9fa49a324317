// Package index reconciles the scanner's view of the filesystem with the
// store. It plans adds, updates, and deletes, fetches vectors through the
// embedding cache, and performs crash-safe forced reindexes.
package index

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/leon90dm/clawdbot/internal/chunk"
	"github.com/leon90dm/clawdbot/internal/embed"
	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/scanner"
	"github.com/leon90dm/clawdbot/internal/store"
)

// Request parameterizes one sync.
type Request struct {
	// Force rebuilds the whole index atomically.
	Force bool
	// Reason is recorded in logs ("watch", "session-start", "search").
	Reason string
}

// Result summarizes a completed sync.
type Result struct {
	FilesAdded    int
	FilesUpdated  int
	FilesDeleted  int
	ChunksIndexed int
	// EmbeddedChunks counts vectors fetched from the provider.
	EmbeddedChunks int
	// CacheHits counts vectors served from the embedding cache.
	CacheHits int
	Duration  time.Duration
}

// Options configures a Coordinator.
type Options struct {
	MaxBatch      int
	MaxInFlight   int
	VectorEnabled bool
	CacheEnabled  bool
}

// Coordinator owns sync execution. Concurrent Sync calls coalesce onto one
// in-flight run; a force caller joining a non-force flight waits for it to
// finish and then runs its own.
type Coordinator struct {
	store    *store.Store
	provider embed.Provider
	cache    embed.Cache
	scanner  *scanner.Scanner
	chunker  *chunk.Chunker
	opts     Options

	mu       sync.Mutex
	inflight *flight
}

// flight is one in-progress sync shared by coalesced waiters.
type flight struct {
	force  bool
	done   chan struct{}
	result *Result
	err    error
}

// New creates a Coordinator. cache may be nil when the embedding cache is
// disabled.
func New(st *store.Store, provider embed.Provider, cache embed.Cache, sc *scanner.Scanner, ch *chunk.Chunker, opts Options) *Coordinator {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = embed.DefaultMaxBatch
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	return &Coordinator{
		store:    st,
		provider: provider,
		cache:    cache,
		scanner:  sc,
		chunker:  ch,
		opts:     opts,
	}
}

// Sync reconciles the store with the filesystem. A failed forced sync leaves
// the live index as it was; an incremental sync commits each file in its own
// transaction, so files applied in the same pass keep their changes when
// another file fails.
func (c *Coordinator) Sync(ctx context.Context, req Request) (*Result, error) {
	for {
		c.mu.Lock()
		if c.inflight == nil {
			fl := &flight{force: req.Force, done: make(chan struct{})}
			c.inflight = fl
			c.mu.Unlock()

			fl.result, fl.err = c.run(ctx, req)

			c.mu.Lock()
			c.inflight = nil
			c.mu.Unlock()
			close(fl.done)
			return fl.result, fl.err
		}
		fl := c.inflight
		c.mu.Unlock()

		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindCancelled, "sync", ctx.Err())
		}

		// A force request must not be satisfied by a non-force run.
		if req.Force && !fl.force {
			continue
		}
		return fl.result, fl.err
	}
}

func (c *Coordinator) run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	files, err := c.scanner.Collect(ctx)
	if err != nil {
		return nil, err
	}

	// A model change at open invalidated every vector; only a full
	// rebuild repopulates them for unchanged files.
	force := req.Force || c.store.ReindexRequired()

	var result *Result
	if force {
		result, err = c.runForce(ctx, files)
	} else {
		result, err = c.runIncremental(ctx, files)
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.SetLastSynced(ctx, time.Now()); err != nil {
		return nil, err
	}
	c.store.ClearReindexRequired()

	result.Duration = time.Since(started)
	slog.Info("sync_complete",
		slog.Bool("force", force),
		slog.String("reason", req.Reason),
		slog.Int("added", result.FilesAdded),
		slog.Int("updated", result.FilesUpdated),
		slog.Int("deleted", result.FilesDeleted),
		slog.Int("chunks", result.ChunksIndexed),
		slog.Int("embedded", result.EmbeddedChunks),
		slog.Int("cache_hits", result.CacheHits),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// runForce chunks every accepted file, resolves vectors (cache first, then
// provider), and swaps the entire index in one transaction. Any failure
// before the swap leaves the live index byte-identical.
func (c *Coordinator) runForce(ctx context.Context, files []*scanner.FileInfo) (*Result, error) {
	result := &Result{}

	batches := make([]store.FileBatch, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindCancelled, "force sync", err)
		}
		batch, err := c.buildBatch(f)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			continue
		}
		batches = append(batches, *batch)
		result.ChunksIndexed += len(batch.Chunks)
	}
	result.FilesAdded = len(batches)

	if c.opts.VectorEnabled {
		vectors, stats, err := c.resolveVectors(ctx, batches)
		if err != nil {
			return nil, err
		}
		result.CacheHits = stats.hits
		result.EmbeddedChunks = stats.embedded
		for i := range batches {
			attachVectors(&batches[i], vectors)
		}
	}

	if err := c.store.ReplaceAll(ctx, batches); err != nil {
		return nil, err
	}
	return result, nil
}

// runIncremental diffs the scan against the store and applies per-file
// transactions. A dimension mismatch aborts that file's update without
// corrupting others and surfaces after the pass.
func (c *Coordinator) runIncremental(ctx context.Context, files []*scanner.FileInfo) (*Result, error) {
	result := &Result{}

	records, err := c.store.FileRecords(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(files))
	var firstErr error

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindCancelled, "sync", err)
		}
		seen[f.RelPath] = struct{}{}

		record := records[f.RelPath]
		if record != nil && record.MtimeNs == f.MtimeNs && record.Size == f.Size {
			continue // unchanged by stat; hash not computed
		}

		hash, err := f.Hash()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record != nil && record.SHA256 == hash {
			// Content identical, only the stat changed.
			if err := c.store.TouchFile(ctx, f.RelPath, f.MtimeNs, f.Size); err != nil {
				return nil, err
			}
			continue
		}

		if err := c.syncOneFile(ctx, f, result); err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return nil, err
			}
			slog.Warn("file_sync_failed",
				slog.String("path", f.RelPath),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record == nil {
			result.FilesAdded++
		} else {
			result.FilesUpdated++
		}
	}

	for relPath := range records {
		if _, ok := seen[relPath]; ok {
			continue
		}
		if err := c.store.DeleteFile(ctx, relPath); err != nil {
			return nil, err
		}
		result.FilesDeleted++
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// syncOneFile chunks, embeds, and upserts a single file transactionally.
func (c *Coordinator) syncOneFile(ctx context.Context, f *scanner.FileInfo, result *Result) error {
	batch, err := c.buildBatch(f)
	if err != nil || batch == nil {
		return err
	}

	if c.opts.VectorEnabled {
		vectors, stats, err := c.resolveVectors(ctx, []store.FileBatch{*batch})
		if err != nil {
			return err
		}
		result.CacheHits += stats.hits
		result.EmbeddedChunks += stats.embedded
		attachVectors(batch, vectors)
	}

	if err := c.store.UpsertFileWithChunks(ctx, *batch); err != nil {
		return err
	}
	result.ChunksIndexed += len(batch.Chunks)
	return nil
}

// buildBatch reads and chunks one file. Non-UTF-8 files are skipped with a
// nil batch.
func (c *Coordinator) buildBatch(f *scanner.FileInfo) (*store.FileBatch, error) {
	data, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read "+f.RelPath, err)
	}
	if !utf8.Valid(data) {
		return nil, nil
	}

	hash, err := f.Hash()
	if err != nil {
		return nil, err
	}

	chunks := c.chunker.Split(string(data))
	records := make([]store.ChunkRecord, len(chunks))
	for i, ch := range chunks {
		records[i] = store.ChunkRecord{
			Index:      ch.Index,
			ByteOffset: ch.ByteOffset,
			ByteLen:    ch.ByteLen,
			Text:       ch.Text,
			SHA256:     ch.SHA256,
		}
	}

	return &store.FileBatch{
		File: store.FileRecord{
			RelPath: f.RelPath,
			Source:  f.Source,
			MtimeNs: f.MtimeNs,
			Size:    f.Size,
			SHA256:  hash,
		},
		Chunks: records,
	}, nil
}

// embedStats counts where vectors came from.
type embedStats struct {
	hits     int
	embedded int
}

// resolveVectors maps every unique chunk hash in the batches to a vector:
// embedding cache first, provider for the misses. All provider vectors must
// agree on one dimension.
func (c *Coordinator) resolveVectors(ctx context.Context, batches []store.FileBatch) (map[string][]float32, *embedStats, error) {
	stats := &embedStats{}

	textByHash := make(map[string]string)
	var order []string
	for _, b := range batches {
		for _, ch := range b.Chunks {
			if _, ok := textByHash[ch.SHA256]; !ok {
				textByHash[ch.SHA256] = ch.Text
				order = append(order, ch.SHA256)
			}
		}
	}
	if len(order) == 0 {
		return map[string][]float32{}, stats, nil
	}

	vectors := make(map[string][]float32, len(order))
	if c.cache != nil {
		cached, err := c.cache.GetBatch(ctx, c.provider.ProviderID(), c.provider.ModelID(), order)
		if err != nil {
			return nil, nil, err
		}
		for hash, vec := range cached {
			vectors[hash] = vec
		}
		stats.hits = len(cached)
	}

	var missing []string
	for _, hash := range order {
		if _, ok := vectors[hash]; !ok {
			missing = append(missing, hash)
		}
	}
	if len(missing) == 0 {
		return vectors, stats, nil
	}

	fresh, err := c.embedHashes(ctx, missing, textByHash)
	if err != nil {
		return nil, nil, err
	}
	stats.embedded = len(fresh)

	if err := checkDims(vectors, fresh); err != nil {
		return nil, nil, err
	}
	for hash, vec := range fresh {
		vectors[hash] = vec
	}

	if c.cache != nil {
		if err := c.cache.PutBatch(ctx, c.provider.ProviderID(), c.provider.ModelID(), fresh); err != nil {
			return nil, nil, err
		}
	}
	return vectors, stats, nil
}

// embedHashes fetches vectors for the given hashes with bounded parallel
// provider requests.
func (c *Coordinator) embedHashes(ctx context.Context, hashes []string, textByHash map[string]string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxInFlight)

	for start := 0; start < len(hashes); start += c.opts.MaxBatch {
		end := start + c.opts.MaxBatch
		if end > len(hashes) {
			end = len(hashes)
		}
		part := hashes[start:end]

		g.Go(func() error {
			texts := make([]string, len(part))
			for i, h := range part {
				texts[i] = textByHash[h]
			}
			vectors, err := c.provider.EmbedBatch(gctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(part) {
				return errors.Newf(errors.KindProviderHTTP,
					"expected %d vectors, got %d", len(part), len(vectors))
			}
			outMu.Lock()
			for i, h := range part {
				out[h] = vectors[i]
			}
			outMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkDims enforces one dimension across cached and fresh vectors.
func checkDims(existing, fresh map[string][]float32) error {
	dim := 0
	for _, vec := range existing {
		dim = len(vec)
		break
	}
	for _, vec := range fresh {
		if len(vec) == 0 {
			return errors.New(errors.KindProviderDimMismatch, "provider returned empty vector")
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return errors.Newf(errors.KindProviderDimMismatch,
				"provider returned dim %d, expected %d", len(vec), dim)
		}
	}
	return nil
}

// attachVectors aligns resolved vectors with a batch's chunks.
func attachVectors(batch *store.FileBatch, vectors map[string][]float32) {
	if len(batch.Chunks) == 0 {
		return
	}
	batch.Vectors = make([][]float32, len(batch.Chunks))
	for i, ch := range batch.Chunks {
		batch.Vectors[i] = vectors[ch.SHA256]
	}
}
