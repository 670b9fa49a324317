// Package pathgate constrains all file access to a set of allowed roots.
// Every user-supplied relative path is resolved through a Gate before any
// filesystem read happens.
package pathgate

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// Source tags a root (and the files under it) by origin.
type Source string

const (
	SourceWorkspace Source = "workspace"
	SourceMemory    Source = "memory"
	SourceExtra     Source = "extra"
)

// Root is one allowed directory.
type Root struct {
	// Path is the absolute directory path.
	Path string
	// Source is the tag applied to files resolved under this root.
	Source Source
}

// Resolved is the outcome of a successful gate resolution.
type Resolved struct {
	// AbsPath is the absolute on-disk path.
	AbsPath string
	// RelPath is the cleaned root-relative path, forward-slashed.
	RelPath string
	// Source is the tag of the matched root.
	Source Source
	// Size is the file size in bytes.
	Size int64
}

// Gate validates relative paths against a set of allowed roots.
type Gate struct {
	roots []Root
	// allowFiles are individual files permitted outside the roots,
	// keyed by absolute path (e.g. the MEMORY.md sentinel).
	allowFiles map[string]Source
	// maxFileBytes caps resolvable file sizes. Zero means no cap.
	maxFileBytes int64
	// followSymlinks permits symlinked components whose targets stay
	// inside the matched root. Off by default.
	followSymlinks bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxFileBytes caps the size of resolvable files.
func WithMaxFileBytes(n int64) Option {
	return func(g *Gate) { g.maxFileBytes = n }
}

// WithAllowFile permits a single file outside the roots.
func WithAllowFile(absPath string, source Source) Option {
	return func(g *Gate) { g.allowFiles[filepath.Clean(absPath)] = source }
}

// WithFollowSymlinks permits in-root symlink targets.
func WithFollowSymlinks() Option {
	return func(g *Gate) { g.followSymlinks = true }
}

// New creates a Gate over the given roots. Root paths must be absolute.
func New(roots []Root, opts ...Option) (*Gate, error) {
	for _, r := range roots {
		if !filepath.IsAbs(r.Path) {
			return nil, errors.Newf(errors.KindConfigInvalid, "gate root must be absolute: %s", r.Path)
		}
	}
	g := &Gate{
		roots:      roots,
		allowFiles: make(map[string]Source),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Roots returns the allowed roots in resolution order.
func (g *Gate) Roots() []Root {
	return g.roots
}

// Resolve maps a user-supplied relative path to an absolute path inside one
// allowed root. The path must exist; every other outcome is path_denied.
func (g *Gate) Resolve(relPath string) (*Resolved, error) {
	rel, err := normalizeRel(relPath)
	if err != nil {
		return nil, err
	}

	for _, root := range g.roots {
		abs := filepath.Join(root.Path, filepath.FromSlash(rel))
		if !within(abs, root.Path) {
			continue
		}
		info, err := os.Lstat(abs)
		if err != nil {
			continue
		}
		if info.IsDir() {
			return nil, errors.Newf(errors.KindPathDenied, "not a regular file: %s", relPath)
		}
		if err := g.checkSymlinks(root.Path, abs); err != nil {
			return nil, err
		}
		// Re-stat through any permitted symlink for the true size.
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "stat", err)
		}
		if g.maxFileBytes > 0 && fi.Size() > g.maxFileBytes {
			return nil, errors.Newf(errors.KindPathDenied, "file exceeds size cap: %s", relPath)
		}
		return &Resolved{AbsPath: abs, RelPath: rel, Source: root.Source, Size: fi.Size()}, nil
	}

	// Sentinel files sit outside the roots (e.g. <workspace>/MEMORY.md).
	for abs, source := range g.allowFiles {
		if filepath.Base(abs) != path.Base(rel) || path.Dir(rel) != "." {
			continue
		}
		fi, err := os.Lstat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 && !g.followSymlinks {
			return nil, errors.Newf(errors.KindPathDenied, "symlink refused: %s", relPath)
		}
		if g.maxFileBytes > 0 && fi.Size() > g.maxFileBytes {
			return nil, errors.Newf(errors.KindPathDenied, "file exceeds size cap: %s", relPath)
		}
		return &Resolved{AbsPath: abs, RelPath: rel, Source: source, Size: fi.Size()}, nil
	}

	return nil, errors.Newf(errors.KindPathDenied, "path outside allowed roots: %s", relPath)
}

// CheckEntry validates a path the scanner discovered while walking a root.
// Unlike Resolve it takes the root explicitly and does not require the
// cheaper existence probe to be repeated.
func (g *Gate) CheckEntry(root Root, abs string) error {
	if !within(abs, root.Path) {
		return errors.Newf(errors.KindPathDenied, "path outside root: %s", abs)
	}
	return g.checkSymlinks(root.Path, abs)
}

// checkSymlinks walks each component below root and rejects symlinks.
// When followSymlinks is set, symlinks are allowed as long as their fully
// resolved target remains inside the root.
func (g *Gate) checkSymlinks(root, abs string) error {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return errors.Wrap(errors.KindPathDenied, "relativize", err)
	}

	current := root
	for _, component := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, component)
		info, err := os.Lstat(current)
		if err != nil {
			return errors.Wrap(errors.KindIO, "lstat", err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if !g.followSymlinks {
			return errors.Newf(errors.KindPathDenied, "symlink refused: %s", current)
		}
		resolved, err := filepath.EvalSymlinks(current)
		if err != nil {
			return errors.Wrap(errors.KindPathDenied, "resolve symlink", err)
		}
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return errors.Wrap(errors.KindIO, "resolve root", err)
		}
		if !within(resolved, resolvedRoot) {
			return errors.Newf(errors.KindPathDenied, "symlink escapes root: %s", current)
		}
	}
	return nil
}

// normalizeRel cleans a user-supplied relative path and rejects traversal.
func normalizeRel(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New(errors.KindPathDenied, "empty path")
	}
	slashed := strings.ReplaceAll(relPath, "\\", "/")
	if path.IsAbs(slashed) || filepath.IsAbs(relPath) {
		return "", errors.Newf(errors.KindPathDenied, "absolute path refused: %s", relPath)
	}
	cleaned := path.Clean(slashed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Newf(errors.KindPathDenied, "path escapes root: %s", relPath)
	}
	return cleaned, nil
}

// within reports whether abs is lexically inside root.
func within(abs, root string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
