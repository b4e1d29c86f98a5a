package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher records vault-relative paths modified on disk so the orchestrator
// can push them on the next replication cycle. It watches the root and every
// subdirectory, adding new directories as they appear.
//
// Events are coalesced per path: a file saved five times before the next
// sync is pushed once.
type Watcher struct {
	dir      *Dir
	ignore   []string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithIgnorePrefixes sets vault-relative path prefixes to skip (default:
// dot-directories are always skipped).
func WithIgnorePrefixes(prefixes ...string) WatcherOption {
	return func(w *Watcher) { w.ignore = append(w.ignore, prefixes...) }
}

// WithDebounce sets the quiet window applied after each filesystem event
// before it is recorded. Default: 100ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets a custom logger for the watcher.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a Watcher over the vault directory.
func NewWatcher(dir *Dir, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
		pending:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches the vault until ctx is cancelled. Run it in a goroutine:
//
//	go watcher.Start(ctx)
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.dir.Root()); err != nil {
		return err
	}
	w.logger.Info("vault watcher started", "root", w.dir.Root())

	// Debounce timer shared across events; pending paths accumulate while
	// the timer runs.
	var timer *time.Timer
	dirty := make(map[string]struct{})
	flush := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("vault watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(w.dir.Root(), ev.Name)
			if err != nil || w.ignored(filepath.ToSlash(rel)) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				// New directories must be watched too.
				if info, err := w.dir.Stat(filepath.ToSlash(rel)); err == nil && info.IsDir() {
					w.addRecursive(fsw, ev.Name)
					continue
				}
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				dirty[filepath.ToSlash(rel)] = struct{}{}
				if timer == nil {
					timer = time.AfterFunc(w.debounce, func() {
						select {
						case flush <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(w.debounce)
				}
			}

		case <-flush:
			w.mu.Lock()
			for p := range dirty {
				w.pending[p] = struct{}{}
			}
			w.mu.Unlock()
			w.logger.Debug("vault changes recorded", "count", len(dirty))
			dirty = make(map[string]struct{})
			timer = nil

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("vault watcher error", "error", err)
		}
	}
}

// Drain returns the recorded paths sorted and clears the pending set.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.pending = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// Requeue restores paths to the pending set. The orchestrator calls it when
// a push attempt failed before reaching the remote store, so the paths are
// drained again on the next cycle.
func (w *Watcher) Requeue(paths []string) {
	w.mu.Lock()
	for _, p := range paths {
		w.pending[p] = struct{}{}
	}
	w.mu.Unlock()
}

// Pending returns how many paths await the next push.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Mark records a path as changed without a filesystem event. Used by hosts
// that know about a change before the watcher sees it.
func (w *Watcher) Mark(path string) {
	w.mu.Lock()
	w.pending[path] = struct{}{}
	w.mu.Unlock()
}

// ignored reports whether a vault-relative slash path should be skipped.
func (w *Watcher) ignored(rel string) bool {
	if rel == "." {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	for _, prefix := range w.ignore {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

// addRecursive watches root and all its subdirectories.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.dir.Root(), path)
		if err == nil && rel != "." && w.ignored(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
