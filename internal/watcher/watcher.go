// Package watcher turns filesystem events under the allowed roots into
// debounced sync triggers.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// DefaultDebounce is the quiet period before a burst of events fires.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes directory trees and fires a callback once per settled
// burst of changes.
type Watcher struct {
	roots    []string
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	stopped bool
}

// New creates a Watcher over the given root directories.
func New(roots []string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{roots: roots, debounce: debounce, onChange: onChange}
}

// Start begins watching. It returns after registration; events are handled
// on a background goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.KindIO, "create watcher", err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			slog.Warn("watch_root_failed",
				slog.String("root", root),
				slog.String("error", err.Error()))
		}
	}

	go w.loop(ctx)
	return nil
}

// addRecursive registers a directory tree, skipping hidden directories.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// handle registers new directories and schedules the debounced callback.
func (w *Watcher) handle(event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		// A newly created directory needs its own watch.
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw != nil {
			_ = w.addRecursive(event.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Stop stops watching and cancels any pending trigger. Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
