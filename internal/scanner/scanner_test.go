package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leon90dm/clawdbot/internal/chunk"
	"github.com/leon90dm/clawdbot/internal/pathgate"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func workspaceGate(t *testing.T, workspace string, extras ...string) *pathgate.Gate {
	t.Helper()
	roots := []pathgate.Root{{Path: workspace, Source: pathgate.SourceWorkspace}}
	for _, e := range extras {
		roots = append(roots, pathgate.Root{Path: e, Source: pathgate.SourceExtra})
	}
	g, err := pathgate.New(roots)
	require.NoError(t, err)
	return g
}

func collect(t *testing.T, s *Scanner) map[string]*FileInfo {
	t.Helper()
	files, err := s.Collect(context.Background())
	require.NoError(t, err)
	byPath := make(map[string]*FileInfo, len(files))
	for _, f := range files {
		byPath[f.RelPath] = f
	}
	return byPath
}

func TestScanClassifiesSources(t *testing.T) {
	ws := t.TempDir()
	extra := t.TempDir()
	writeFile(t, filepath.Join(ws, "memory", "2026-01-12.md"), "Alpha memory line.")
	writeFile(t, filepath.Join(ws, "MEMORY.md"), "Beta knowledge base entry.")
	writeFile(t, filepath.Join(ws, "NOTES.md"), "workspace note")
	writeFile(t, filepath.Join(extra, "shared.md"), "extra note")

	s := New(workspaceGate(t, ws, extra), Options{})
	byPath := collect(t, s)

	require.Len(t, byPath, 4)
	assert.Equal(t, pathgate.SourceMemory, byPath["memory/2026-01-12.md"].Source)
	assert.Equal(t, pathgate.SourceMemory, byPath["MEMORY.md"].Source)
	assert.Equal(t, pathgate.SourceWorkspace, byPath["NOTES.md"].Source)
	assert.Equal(t, pathgate.SourceExtra, byPath["shared.md"].Source)
}

func TestScanSkipsHiddenAndSymlinks(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "kept.md"), "kept")
	writeFile(t, filepath.Join(ws, ".hidden", "skipped.md"), "no")
	writeFile(t, filepath.Join(ws, ".dotfile.md"), "no")
	require.NoError(t, os.Symlink(filepath.Join(ws, "kept.md"), filepath.Join(ws, "link.md")))

	s := New(workspaceGate(t, ws), Options{})
	byPath := collect(t, s)

	assert.Len(t, byPath, 1)
	assert.Contains(t, byPath, "kept.md")
}

func TestScanGlobs(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "a.md"), "md")
	writeFile(t, filepath.Join(ws, "b.txt"), "txt")
	writeFile(t, filepath.Join(ws, "c.log"), "log")

	s := New(workspaceGate(t, ws), Options{
		Include: []string{"*.md", "*.txt"},
		Exclude: []string{"*.txt"},
	})
	byPath := collect(t, s)

	assert.Len(t, byPath, 1)
	assert.Contains(t, byPath, "a.md")
}

func TestScanExcludesDirectories(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "node_modules", "dep.md"), "dep")
	writeFile(t, filepath.Join(ws, "kept.md"), "kept")

	s := New(workspaceGate(t, ws), Options{Exclude: []string{"node_modules"}})
	byPath := collect(t, s)

	assert.Len(t, byPath, 1)
	assert.Contains(t, byPath, "kept.md")
}

func TestScanSizeCap(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "small.md"), "ok")
	writeFile(t, filepath.Join(ws, "big.md"), "0123456789")

	s := New(workspaceGate(t, ws), Options{MaxFileBytes: 5})
	byPath := collect(t, s)

	assert.Len(t, byPath, 1)
	assert.Contains(t, byPath, "small.md")
}

func TestLazyHash(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "a.md"), "Alpha memory line.")

	s := New(workspaceGate(t, ws), Options{})
	byPath := collect(t, s)

	f := byPath["a.md"]
	sum, err := f.Hash()
	require.NoError(t, err)
	assert.Equal(t, chunk.HashText("Alpha memory line."), sum)

	// Second call reuses the cached digest.
	again, err := f.Hash()
	require.NoError(t, err)
	assert.Equal(t, sum, again)
}

func TestScanRestartable(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "a.md"), "a")
	writeFile(t, filepath.Join(ws, "b.md"), "b")

	s := New(workspaceGate(t, ws), Options{})
	first := collect(t, s)
	second := collect(t, s)
	assert.Equal(t, len(first), len(second))
}

func TestScanMissingRootYieldsNothing(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "does-not-exist")
	g, err := pathgate.New([]pathgate.Root{{Path: ws, Source: pathgate.SourceWorkspace}})
	require.NoError(t, err)

	s := New(g, Options{})
	files, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}
