package config

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/warden/internal/supervisor"
)

// AppWatchers keeps one DirWatcher per app with watch = true and restarts
// the app when files under its working directory change.
type AppWatchers struct {
	registry       *supervisor.Registry
	restartTimeout time.Duration
	opts           []DirWatcherOption
	logger         *slog.Logger

	mu       sync.Mutex
	watchers map[string]*appWatch
}

type appWatch struct {
	dir     string
	watcher *DirWatcher
}

// NewAppWatchers creates an empty set of app watchers over registry. Each
// restart waits at most restartTimeout for the old child to exit.
func NewAppWatchers(registry *supervisor.Registry, restartTimeout time.Duration, logger *slog.Logger, opts ...DirWatcherOption) *AppWatchers {
	return &AppWatchers{
		registry:       registry,
		restartTimeout: restartTimeout,
		opts:           opts,
		logger:         logger,
		watchers:       make(map[string]*appWatch),
	}
}

// Sync starts watchers for apps that want one and stops watchers of apps
// that were removed, stopped watching, or moved to another directory.
func (a *AppWatchers) Sync() {
	want := make(map[string]string)
	for _, rec := range a.registry.List() {
		if !rec.Spec.WatchFilesystem {
			continue
		}
		dir := rec.Spec.WorkingDir
		if dir == "" {
			dir = "."
		}
		want[rec.Name] = dir
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, aw := range a.watchers {
		if dir, ok := want[name]; ok && dir == aw.dir {
			continue
		}
		_ = aw.watcher.Stop()
		delete(a.watchers, name)
		a.logger.Info("Stopped watching app", "app", name, "dir", aw.dir)
	}

	for name, dir := range want {
		if _, ok := a.watchers[name]; ok {
			continue
		}
		w := NewDirWatcher(dir, a.restarter(name), a.logger.With("app", name), a.opts...)
		if err := w.Start(); err != nil {
			a.logger.Warn("Failed to watch app directory", "app", name, "dir", dir, "error", err)
			continue
		}
		a.watchers[name] = &appWatch{dir: dir, watcher: w}
	}
}

// Names returns the watched apps sorted by name.
func (a *AppWatchers) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.watchers))
	for name := range a.watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop stops every watcher.
func (a *AppWatchers) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, aw := range a.watchers {
		_ = aw.watcher.Stop()
		delete(a.watchers, name)
	}
}

// restarter restarts the app by name, so a replaced Supervisor is picked up.
func (a *AppWatchers) restarter(name string) func(path string) {
	return func(path string) {
		sup, err := a.registry.Get(name)
		if err != nil {
			return
		}
		if status := sup.Status().Status; status != supervisor.StatusRunning {
			a.logger.Debug("Ignoring change, app not running", "app", name, "status", status)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.restartTimeout)
		defer cancel()

		a.logger.Info("Restarting app after file change", "app", name, "path", path)
		if err := sup.Restart(ctx); err != nil {
			a.logger.Warn("Failed to restart app", "app", name, "error", err)
		}
	}
}
