package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leon90dm/clawdbot/internal/chunk"
	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/pathgate"
	"github.com/leon90dm/clawdbot/internal/scanner"
	"github.com/leon90dm/clawdbot/internal/store"
)

// fakeProvider derives deterministic vectors from text so tests can assert
// similarity without a server.
type fakeProvider struct {
	batchCalls atomic.Int32
	failNext   atomic.Bool
	badDims    atomic.Bool
}

func (f *fakeProvider) vectorFor(text string) []float32 {
	sum := chunk.HashText(text)
	v := make([]float32, 4)
	for i := 0; i < 4; i++ {
		v[i] = float32(sum[i]) / 255
	}
	return v
}

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vectorFor(text), nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls.Add(1)
	if f.failNext.Load() {
		return nil, errors.New(errors.KindProviderRequestFailed, "provider down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectorFor(t)
		if f.badDims.Load() && i%2 == 1 {
			out[i] = out[i][:2]
		}
	}
	return out, nil
}

func (f *fakeProvider) ProviderID() string { return "fake" }
func (f *fakeProvider) ModelID() string    { return "fake-model" }
func (f *fakeProvider) Close() error       { return nil }

type fixture struct {
	ws       string
	storeDir string
	store    *store.Store
	provider *fakeProvider
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "store")

	st, err := store.Open(context.Background(), store.Options{
		Dir:           storeDir,
		Fingerprint:   "fake/fake-model",
		VectorEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gate, err := pathgate.New([]pathgate.Root{{Path: ws, Source: pathgate.SourceWorkspace}})
	require.NoError(t, err)

	provider := &fakeProvider{}
	coord := New(st, provider, st, scanner.New(gate, scanner.Options{}),
		chunk.New(chunk.Options{MaxChunkChars: 200, OverlapChars: 20}),
		Options{VectorEnabled: true, CacheEnabled: true, MaxBatch: 8, MaxInFlight: 2})

	return &fixture{ws: ws, storeDir: storeDir, store: st, provider: provider, coord: coord}
}

func (fx *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(fx.ws, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestForceSyncIndexesEverything(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "memory/2026-01-12.md", "# Log\nAlpha memory line.\nZebra memory line.\nAnother line.\n")
	fx.write(t, "MEMORY.md", "Beta knowledge base entry.")

	result, err := fx.coord.Sync(context.Background(), Request{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesAdded)
	assert.Positive(t, result.ChunksIndexed)
	assert.Positive(t, result.EmbeddedChunks)

	stats, err := fx.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
}

func TestForceSyncCacheReuse(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "memory/a.md", "Alpha memory line.")
	ctx := context.Background()

	_, err := fx.coord.Sync(ctx, Request{Force: true})
	require.NoError(t, err)
	callsAfterFirst := fx.provider.batchCalls.Load()
	require.Positive(t, callsAfterFirst)

	// Every chunk hash is cached: the second forced sync must not touch
	// the provider at all.
	result, err := fx.coord.Sync(ctx, Request{Force: true})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, fx.provider.batchCalls.Load())
	assert.Zero(t, result.EmbeddedChunks)
	assert.Positive(t, result.CacheHits)
}

func TestForceSyncProviderFailurePreservesIndex(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "memory/a.md", "Alpha memory line.")
	ctx := context.Background()

	_, err := fx.coord.Sync(ctx, Request{Force: true})
	require.NoError(t, err)
	before, err := fx.store.Stats(ctx)
	require.NoError(t, err)

	// New content forces provider calls; the provider now fails.
	fx.write(t, "memory/b.md", "Brand new gamma content.")
	fx.provider.failNext.Store(true)

	_, err = fx.coord.Sync(ctx, Request{Force: true})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderRequestFailed, errors.KindOf(err))

	after, err := fx.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// No stray temp files in the store directory.
	matches, err := filepath.Glob(filepath.Join(fx.storeDir, "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIncrementalAddModifyDelete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "a.md", "first version alpha")
	result, err := fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesAdded)

	// Unchanged: nothing to do.
	result, err = fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, result.FilesAdded)
	assert.Zero(t, result.FilesUpdated)
	assert.Zero(t, result.FilesDeleted)

	// Modify.
	fx.write(t, "a.md", "second version beta")
	result, err = fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesUpdated)

	hits, err := fx.store.TextSearch(ctx, "beta", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// Delete.
	require.NoError(t, os.Remove(filepath.Join(fx.ws, "a.md")))
	result, err = fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesDeleted)

	stats, err := fx.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)
}

func TestIncrementalReusesCacheForUnchangedChunks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "a.md", "stable shared line")
	_, err := fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	calls := fx.provider.batchCalls.Load()

	// A new file carrying the exact same text reuses the cached vector.
	fx.write(t, "b.md", "stable shared line")
	result, err := fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, calls, fx.provider.batchCalls.Load())
	assert.Positive(t, result.CacheHits)
}

func TestIncrementalDimMismatchSurfacesButOthersSurvive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "good.md", "good content survives")
	_, err := fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)

	fx.provider.badDims.Store(true)
	// Two chunks in one file trip the mismatch (second vector truncated).
	fx.write(t, "bad.md", "first half of text that is long enough to split across chunks. "+
		"second half of text that definitely lands in another chunk entirely because the chunker splits at two hundred characters and this sentence pushes well past that limit for sure.")

	_, err = fx.coord.Sync(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderDimMismatch, errors.KindOf(err))

	// The good file is untouched.
	hits, err := fx.store.TextSearch(ctx, "survives", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "a.md", "concurrent alpha")
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.coord.Sync(ctx, Request{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
}

func TestZeroChunkFileRecorded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.write(t, "empty.md", "")
	_, err := fx.coord.Sync(ctx, Request{})
	require.NoError(t, err)

	records, err := fx.store.FileRecords(ctx)
	require.NoError(t, err)
	require.Contains(t, records, "empty.md")
	assert.Zero(t, records["empty.md"].NumChunks)
}

func TestSyncCancellation(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "a.md", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.coord.Sync(ctx, Request{Force: true})
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
}
