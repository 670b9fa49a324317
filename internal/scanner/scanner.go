// Package scanner discovers indexable files under the allowed roots. It
// applies glob include/exclude rules and size caps, tags each file by
// source, and defers content hashing until a caller actually needs it.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leon90dm/clawdbot/internal/errors"
	"github.com/leon90dm/clawdbot/internal/pathgate"
)

// MemorySentinel is the top-level knowledge base file treated as memory.
const MemorySentinel = "MEMORY.md"

// memoryDir is the workspace subdirectory whose files are tagged memory.
const memoryDir = "memory"

// FileInfo describes one discovered file.
type FileInfo struct {
	// RelPath is the root-relative path, forward-slashed.
	RelPath string
	// AbsPath is the absolute on-disk path.
	AbsPath string
	// Source tags the file's origin root.
	Source pathgate.Source
	// MtimeNs is the modification time in nanoseconds.
	MtimeNs int64
	// Size is the file size in bytes.
	Size int64

	sha string
}

// Hash returns the file's content SHA-256, computing it on first use.
// Callers skip this when (path, mtimeNs, size) already matches the store.
func (f *FileInfo) Hash() (string, error) {
	if f.sha != "" {
		return f.sha, nil
	}
	file, err := os.Open(f.AbsPath)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "open for hashing", err)
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", errors.Wrap(errors.KindIO, "hash", err)
	}
	f.sha = hex.EncodeToString(h.Sum(nil))
	return f.sha, nil
}

// Result is one item of the scan sequence.
type Result struct {
	File *FileInfo
	Err  error
}

// Options configures scanner behavior.
type Options struct {
	// Include restricts files to those matching at least one glob
	// (matched against the root-relative path and the base name).
	// Empty means all files.
	Include []string
	// Exclude drops files or directories matching any glob.
	Exclude []string
	// MaxFileBytes skips files larger than this. Zero means no cap.
	MaxFileBytes int64
	// IncludeHidden scans dot-directories and dot-files. Off by default.
	IncludeHidden bool
}

// Scanner walks the gate's roots breadth-first.
type Scanner struct {
	gate *pathgate.Gate
	opts Options
}

// New creates a Scanner over the gate's roots.
func New(gate *pathgate.Gate, opts Options) *Scanner {
	return &Scanner{gate: gate, opts: opts}
}

// Scan emits discovered files on the returned channel. The sequence is
// finite and restartable: a new call walks the roots from scratch. The
// channel closes when the walk finishes or ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context) <-chan Result {
	results := make(chan Result, 64)
	go func() {
		defer close(results)
		for _, root := range s.gate.Roots() {
			s.scanRoot(ctx, root, results)
		}
	}()
	return results
}

// Collect drains a full scan into a slice.
func (s *Scanner) Collect(ctx context.Context) ([]*FileInfo, error) {
	var files []*FileInfo
	for r := range s.Scan(ctx) {
		if r.Err != nil {
			return nil, r.Err
		}
		files = append(files, r.File)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, "scan", err)
	}
	return files, nil
}

// scanRoot walks one root breadth-first.
func (s *Scanner) scanRoot(ctx context.Context, root pathgate.Root, results chan<- Result) {
	if _, err := os.Stat(root.Path); err != nil {
		// A missing root is not an error; it simply yields nothing.
		return
	}

	queue := []string{root.Path}
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // unreadable directory: skip, keep walking
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			abs := filepath.Join(dir, entry.Name())
			rel, err := filepath.Rel(root.Path, abs)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			if entry.IsDir() {
				if s.skipDir(entry.Name(), rel) {
					continue
				}
				queue = append(queue, abs)
				continue
			}

			if file, ok := s.acceptFile(root, entry, abs, rel); ok {
				select {
				case results <- Result{File: file}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// skipDir reports whether a directory is excluded from the walk.
func (s *Scanner) skipDir(name, rel string) bool {
	if !s.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}
	return matchesAny(rel, name, s.opts.Exclude)
}

// acceptFile applies per-file filters and builds the FileInfo.
func (s *Scanner) acceptFile(root pathgate.Root, entry fs.DirEntry, abs, rel string) (*FileInfo, bool) {
	name := entry.Name()

	if !s.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return nil, false
	}
	if entry.Type()&fs.ModeSymlink != 0 {
		return nil, false
	}
	if matchesAny(rel, name, s.opts.Exclude) {
		return nil, false
	}
	if len(s.opts.Include) > 0 && !matchesAny(rel, name, s.opts.Include) {
		return nil, false
	}

	info, err := entry.Info()
	if err != nil {
		return nil, false
	}
	if s.opts.MaxFileBytes > 0 && info.Size() > s.opts.MaxFileBytes {
		return nil, false
	}
	if err := s.gate.CheckEntry(root, abs); err != nil {
		return nil, false
	}

	return &FileInfo{
		RelPath: rel,
		AbsPath: abs,
		Source:  classify(root, rel),
		MtimeNs: info.ModTime().UnixNano(),
		Size:    info.Size(),
	}, true
}

// classify tags a file by its root and position. Files under the memory
// directory and the top-level MEMORY.md sentinel are memory; everything
// else inherits the root's tag.
func classify(root pathgate.Root, rel string) pathgate.Source {
	if root.Source != pathgate.SourceWorkspace {
		return root.Source
	}
	if rel == MemorySentinel {
		return pathgate.SourceMemory
	}
	if rel == memoryDir || strings.HasPrefix(rel, memoryDir+"/") {
		return pathgate.SourceMemory
	}
	return pathgate.SourceWorkspace
}

// matchesAny matches a glob list against the relative path and base name.
func matchesAny(rel, base string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, rel); err == nil && ok {
			return true
		}
		if ok, err := path.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}
