// Package memsearch exposes the memory search index to surrounding code:
// sync, search, gated file reads, and status. One Manager owns one store
// directory; opening the same store path twice in a process returns the
// same handle.
package memsearch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leon90dm/clawdbot/internal/chunk"
	"github.com/leon90dm/clawdbot/internal/config"
	"github.com/leon90dm/clawdbot/internal/embed"
	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/index"
	"github.com/leon90dm/clawdbot/internal/pathgate"
	"github.com/leon90dm/clawdbot/internal/scanner"
	"github.com/leon90dm/clawdbot/internal/search"
	"github.com/leon90dm/clawdbot/internal/store"
	"github.com/leon90dm/clawdbot/internal/watcher"
)

// memoryDirName is the workspace subdirectory holding memory notes.
const memoryDirName = "memory"

var (
	openMu    sync.Mutex
	openByDir = make(map[string]*Manager)
)

// Manager coordinates the index components behind a small facade.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	provider embed.Provider
	coord    *index.Coordinator
	planner  *search.Planner
	readGate *pathgate.Gate
	watch    *watcher.Watcher

	cancelBackground context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// FileContent is a gated file read.
type FileContent struct {
	RelPath string          `json:"relPath"`
	Source  pathgate.Source `json:"source"`
	Text    string          `json:"text"`
}

// Status reports index state.
type Status struct {
	Files        int                 `json:"files"`
	Chunks       int                 `json:"chunks"`
	SourceCounts []store.SourceCount `json:"sourceCounts"`
	Vector       VectorStatus        `json:"vector"`
	FTS          FTSStatus           `json:"fts"`
	LastSyncedAt time.Time           `json:"lastSyncedAt"`
	// EmbeddingModel is the fingerprint providerId + "/" + modelId.
	EmbeddingModel string `json:"embeddingModel"`
}

// VectorStatus reports the vector side.
type VectorStatus struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`
}

// FTSStatus reports the text side.
type FTSStatus struct {
	Available bool `json:"available"`
}

// Open builds a Manager from configuration. A second Open for the same
// store path returns the existing handle.
func Open(ctx context.Context, cfg *config.Config) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeDir := filepath.Clean(cfg.MemorySearch.Store.Path)

	openMu.Lock()
	defer openMu.Unlock()
	if existing, ok := openByDir[storeDir]; ok {
		return existing, nil
	}

	ms := cfg.MemorySearch

	st, err := store.Open(ctx, store.Options{
		Dir:           storeDir,
		Fingerprint:   cfg.Fingerprint(),
		VectorEnabled: cfg.VectorEnabled(),
		FTSBackend:    ms.Store.FTS.Backend,
	})
	if err != nil {
		return nil, err
	}

	provider, err := embed.NewProvider(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cached := embed.NewCachedProvider(provider, ms.Cache.MaxEntries)

	scanGate, err := buildScanGate(cfg)
	if err != nil {
		_ = st.Close()
		_ = provider.Close()
		return nil, err
	}
	readGate, err := buildReadGate(cfg)
	if err != nil {
		_ = st.Close()
		_ = provider.Close()
		return nil, err
	}

	var cache embed.Cache
	if cfg.CacheEnabled() {
		cache = st
	}

	coord := index.New(st, cached, cache,
		scanner.New(scanGate, scanner.Options{
			Include:      ms.Scan.Include,
			Exclude:      ms.Scan.Exclude,
			MaxFileBytes: ms.Scan.MaxFileBytes,
		}),
		chunk.New(chunk.Options{
			MaxChunkChars: ms.Chunk.MaxChunkChars,
			OverlapChars:  ms.Chunk.OverlapChars,
		}),
		index.Options{
			MaxBatch:      ms.Embed.MaxBatch,
			MaxInFlight:   ms.Embed.MaxInFlight,
			VectorEnabled: cfg.VectorEnabled(),
			CacheEnabled:  cfg.CacheEnabled(),
		})

	planner := search.New(st, cached, search.Options{
		MaxResults:          ms.Query.MaxResults,
		MinScore:            ms.Query.MinScore,
		HybridEnabled:       ms.Query.Hybrid.Enabled,
		VectorWeight:        ms.Query.Hybrid.VectorWeight,
		TextWeight:          ms.Query.Hybrid.TextWeight,
		CandidateMultiplier: ms.Query.Hybrid.CandidateMultiplier,
		VectorEnabled:       cfg.VectorEnabled(),
	})

	backgroundCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:              cfg,
		store:            st,
		provider:         cached,
		coord:            coord,
		planner:          planner,
		readGate:         readGate,
		cancelBackground: cancel,
	}

	if ms.Sync.Watch {
		roots := []string{cfg.Workspace}
		roots = append(roots, ms.ExtraPaths...)
		m.watch = watcher.New(roots,
			time.Duration(ms.Sync.WatchDebounceMs)*time.Millisecond,
			func() { m.backgroundSync(backgroundCtx, "watch") })
		if err := m.watch.Start(backgroundCtx); err != nil {
			slog.Warn("watch_start_failed", slog.String("error", err.Error()))
		}
	}
	if ms.Sync.OnSessionStart {
		go m.backgroundSync(backgroundCtx, "session-start")
	}

	openByDir[storeDir] = m
	return m, nil
}

// buildScanGate allows the whole workspace plus the extra paths.
func buildScanGate(cfg *config.Config) (*pathgate.Gate, error) {
	roots := []pathgate.Root{{Path: cfg.Workspace, Source: pathgate.SourceWorkspace}}
	for _, p := range cfg.MemorySearch.ExtraPaths {
		roots = append(roots, pathgate.Root{Path: p, Source: pathgate.SourceExtra})
	}
	return pathgate.New(roots, pathgate.WithMaxFileBytes(cfg.MemorySearch.Scan.MaxFileBytes))
}

// buildReadGate restricts ReadFile to the memory directory, the MEMORY.md
// sentinel, and the extra paths.
func buildReadGate(cfg *config.Config) (*pathgate.Gate, error) {
	roots := []pathgate.Root{{
		Path:   filepath.Join(cfg.Workspace, memoryDirName),
		Source: pathgate.SourceMemory,
	}}
	for _, p := range cfg.MemorySearch.ExtraPaths {
		roots = append(roots, pathgate.Root{Path: p, Source: pathgate.SourceExtra})
	}
	return pathgate.New(roots,
		pathgate.WithMaxFileBytes(cfg.MemorySearch.Scan.MaxFileBytes),
		pathgate.WithAllowFile(filepath.Join(cfg.Workspace, scanner.MemorySentinel), pathgate.SourceMemory))
}

// backgroundSync runs a non-force sync, logging failures instead of
// surfacing them.
func (m *Manager) backgroundSync(ctx context.Context, reason string) {
	if _, err := m.Sync(ctx, index.Request{Reason: reason}); err != nil {
		if !errors.IsKind(err, errors.KindCancelled) {
			slog.Warn("background_sync_failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()))
		}
	}
}

// Sync reconciles the index with the filesystem.
func (m *Manager) Sync(ctx context.Context, req index.Request) (*index.Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.coord.Sync(ctx, req)
}

// Search returns ranked passages for a query. When sync.onSearch is set the
// index is reconciled first.
func (m *Manager) Search(ctx context.Context, query string) ([]search.Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.cfg.MemorySearch.Sync.OnSearch {
		if _, err := m.coord.Sync(ctx, index.Request{Reason: "search"}); err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return nil, err
			}
			slog.Warn("on_search_sync_failed", slog.String("error", err.Error()))
		}
	}
	return m.planner.Search(ctx, query)
}

// ReadFile returns a memory file's content through the path gate.
func (m *Manager) ReadFile(ctx context.Context, relPath string) (*FileContent, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	resolved, err := m.readGate.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved.AbsPath)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read "+relPath, err)
	}
	return &FileContent{
		RelPath: resolved.RelPath,
		Source:  resolved.Source,
		Text:    string(data),
	}, nil
}

// Status summarizes the index.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := m.store.Meta(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Files:        stats.Files,
		Chunks:       stats.Chunks,
		SourceCounts: stats.SourceCounts,
		Vector: VectorStatus{
			Enabled:   m.cfg.VectorEnabled(),
			Available: m.store.VectorAvailable(),
		},
		FTS:            FTSStatus{Available: m.store.FTSAvailable()},
		LastSyncedAt:   meta.LastSyncedAt,
		EmbeddingModel: meta.ModelFingerprint,
	}, nil
}

// ProbeVectorAvailability re-checks whether the vector index can serve.
func (m *Manager) ProbeVectorAvailability() bool {
	if m.checkOpen() != nil {
		return false
	}
	return m.store.ProbeVectorAvailability()
}

// Close releases the store, provider, and watcher. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancelBackground()
	if m.watch != nil {
		_ = m.watch.Stop()
	}

	openMu.Lock()
	delete(openByDir, filepath.Clean(m.cfg.MemorySearch.Store.Path))
	openMu.Unlock()

	var firstErr error
	if err := m.provider.Close(); err != nil {
		firstErr = err
	}
	if err := m.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.KindInternal, "manager is closed")
	}
	return nil
}
