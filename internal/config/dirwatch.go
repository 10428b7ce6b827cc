package config

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchIgnore lists directory names never watched for app restarts.
// Dotfiles and dot-directories are always ignored as well.
var DefaultWatchIgnore = []string{".git", "node_modules"}

// DirWatcher watches a directory tree and reports debounced changes. It is
// used to restart apps that set watch = true.
type DirWatcher struct {
	root     string
	debounce time.Duration
	ignore   map[string]bool
	onChange func(path string)
	logger   *slog.Logger
	loop     *fsLoop
}

// DirWatcherOption configures a DirWatcher.
type DirWatcherOption func(*DirWatcher)

// WithDirDebounce sets how long the tree must be quiet before onChange runs.
// Default is 1s.
func WithDirDebounce(d time.Duration) DirWatcherOption {
	return func(w *DirWatcher) {
		w.debounce = d
	}
}

// WithIgnore adds directory or file names to skip.
func WithIgnore(names ...string) DirWatcherOption {
	return func(w *DirWatcher) {
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// NewDirWatcher creates a watcher for root. onChange receives the last
// changed path of each burst of changes.
func NewDirWatcher(root string, onChange func(path string), logger *slog.Logger, opts ...DirWatcherOption) *DirWatcher {
	w := &DirWatcher{
		root:     filepath.Clean(root),
		debounce: time.Second,
		ignore:   make(map[string]bool),
		onChange: onChange,
		logger:   logger,
	}
	for _, name := range DefaultWatchIgnore {
		w.ignore[name] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start adds every directory under root and begins watching.
func (w *DirWatcher) Start() error {
	loop, err := newFSLoop(w.debounce, w.accept, func(path string) {
		w.logger.Info("Change detected", "root", w.root, "path", path)
		w.onChange(path)
	}, w.logger)
	if err != nil {
		return err
	}
	if err := w.addTree(loop.watcher, w.root); err != nil {
		loop.close()
		return err
	}

	w.loop = loop
	loop.start()
	w.logger.Info("Directory watcher started", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop stops watching. It waits for a running onChange to return.
func (w *DirWatcher) Stop() error {
	if w.loop == nil {
		return nil
	}
	err := w.loop.stop()
	w.logger.Debug("Directory watcher stopped", "root", w.root)
	return err
}

func (w *DirWatcher) accept(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod || w.ignored(event.Name) {
		return false
	}
	if event.Op.Has(fsnotify.Create) {
		// New subdirectories must be added explicitly.
		_ = w.addTree(w.loop.watcher, event.Name)
	}
	return true
}

// addTree watches dir and all of its subdirectories that are not ignored.
func (w *DirWatcher) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can disappear while walking.
			if path != dir {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// ignored reports whether any component of path below root is ignored.
func (w *DirWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ignore[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
