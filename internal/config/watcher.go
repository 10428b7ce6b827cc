package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long a config file must be quiet before it is
// reloaded.
const DefaultReloadDebounce = 1500 * time.Millisecond

// Watcher reloads a config file, such as the ecosystem file, when it changes
// and hands the fresh value to every registered handler. The parent
// directory is watched so files replaced by rename are seen too.
type Watcher[T any] struct {
	path     string
	debounce time.Duration
	load     func(path string) (T, error)
	onError  func(error)
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int
	reloadMu sync.Mutex
	loop     *fsLoop
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce overrides DefaultReloadDebounce.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) {
		w.debounce = d
	}
}

// WithErrorHandler is called when a reload fails to load. Handlers are not
// called in that case and keep the last good value.
func WithErrorHandler[T any](handler func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) {
		w.onError = handler
	}
}

// NewConfigWatcher creates a watcher that calls load on every change.
func NewConfigWatcher[T any](path string, load func(path string) (T, error), logger *slog.Logger, opts ...WatcherOption[T]) *Watcher[T] {
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		debounce: DefaultReloadDebounce,
		load:     load,
		logger:   logger,
		handlers: make(map[int]func(T)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers handler and returns a function that removes it.
func (w *Watcher[T]) OnReload(handler func(T)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = handler
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers, id)
	}
}

// Start begins watching. The file must exist.
func (w *Watcher[T]) Start() error {
	if _, err := os.Stat(w.path); err != nil {
		return err
	}

	name := filepath.Base(w.path)
	accept := func(event fsnotify.Event) bool {
		// Write for in-place edits, Create when the file is replaced.
		if filepath.Base(event.Name) != name {
			return false
		}
		return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)
	}
	loop, err := newFSLoop(w.debounce, accept, func(string) { w.Reload() }, w.logger)
	if err != nil {
		return err
	}
	if err := loop.watcher.Add(filepath.Dir(w.path)); err != nil {
		loop.close()
		return err
	}

	w.mu.Lock()
	w.loop = loop
	w.mu.Unlock()
	loop.start()
	w.logger.Info("Config watcher started", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop stops watching. A reload in progress finishes first.
func (w *Watcher[T]) Stop() error {
	w.mu.Lock()
	loop := w.loop
	w.loop = nil
	w.mu.Unlock()
	if loop == nil {
		return nil
	}
	err := loop.stop()
	w.logger.Debug("Config watcher stopped", "path", w.path)
	return err
}

// Reload loads the file now and notifies handlers, as a detected change
// would. Reloads never run concurrently.
func (w *Watcher[T]) Reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.logger.Info("Reloading config", "path", w.path)
	value, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("Failed to load config", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	ids := make([]int, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(T), len(ids))
	for i, id := range ids {
		handlers[i] = w.handlers[id]
	}
	w.mu.Unlock()

	// Handlers run in registration order with the same value.
	for _, handler := range handlers {
		handler(value)
	}
}
