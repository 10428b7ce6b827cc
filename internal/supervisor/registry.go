package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/warden/internal/events"
)

// Registry holds independently supervised apps keyed by name. Apps do not
// depend on each other; the registry only fans operations out.
type Registry struct {
	opts   Options
	logger *slog.Logger
	mu     sync.RWMutex
	apps   map[string]*Supervisor
}

// ReconcileResult lists what Reconcile changed, by app name.
type ReconcileResult struct {
	Added    []string
	Removed  []string
	Replaced []string
}

// Changed reports whether Reconcile did anything.
func (r ReconcileResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Replaced) > 0
}

// NewRegistry creates an empty registry. opts are passed to every
// Supervisor it creates.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:   opts,
		logger: opts.Logger,
		apps:   make(map[string]*Supervisor),
	}
}

// Add creates a stopped Supervisor for a new app.
func (r *Registry) Add(name string, def Definition) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[name]; exists {
		return nil, NewError(ErrCodeAlreadyExists, fmt.Sprintf("app %s already exists", name), nil)
	}
	s, err := New(name, def.Spec, def.Policy, r.opts)
	if err != nil {
		return nil, err
	}
	r.apps[name] = s
	return s, nil
}

// Get returns the Supervisor for name.
func (r *Registry) Get(name string) (*Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.apps[name]
	if !ok {
		return nil, NewError(ErrCodeNotFound, fmt.Sprintf("app %s not found", name), nil)
	}
	return s, nil
}

// Names returns all app names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a record of every app, sorted by name.
func (r *Registry) List() []Record {
	apps := r.snapshot()
	records := make([]Record, len(apps))
	for i, s := range apps {
		records[i] = s.Record()
	}
	return records
}

// Remove stops an app and drops it from the registry.
func (r *Registry) Remove(ctx context.Context, name string) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop app %s: %w", name, err)
	}

	r.mu.Lock()
	if r.apps[name] == s {
		delete(r.apps, name)
	}
	r.mu.Unlock()
	return nil
}

// LaunchAll launches every Stopped app. Launch failures are returned
// together; each failing app is already handled by its restart policy.
func (r *Registry) LaunchAll() error {
	var errs []error
	for _, s := range r.snapshot() {
		if s.Status().Status != StatusStopped {
			continue
		}
		if err := s.Launch(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every app concurrently and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	apps := r.snapshot()
	errs := make([]error, len(apps))

	var wg sync.WaitGroup
	for i, s := range apps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("failed to stop app %s: %w", s.Name(), err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Save writes every app record to store, retrying failed writes. After the
// last failed attempt a PersistenceFailedEvent is published and a
// PERSISTENCE_FAILURE error returned. In-memory state is never affected.
func (r *Registry) Save(store Store) error {
	records := r.List()

	var err error
	for attempt := 1; attempt <= r.opts.PersistRetries; attempt++ {
		if err = store.Save(records); err == nil {
			r.logger.Debug("Saved app state", "apps", len(records))
			return nil
		}
		r.logger.Warn("Failed to save app state", "attempt", attempt, "error", err)
		if attempt < r.opts.PersistRetries {
			r.opts.Clock.Sleep(r.opts.PersistRetryDelay)
		}
	}

	r.logger.Error("Giving up saving app state", "attempts", r.opts.PersistRetries, "error", err)
	r.opts.Bus.Publish(events.PersistenceFailedEvent{
		Attempts:  r.opts.PersistRetries,
		Error:     err.Error(),
		Timestamp: r.opts.Clock.Now().Format(time.RFC3339),
	})
	return NewError(ErrCodePersistenceFailure, "failed to save app state", err)
}

// Resurrect restores every record from store that is not already
// registered and returns how many apps were restored.
func (r *Registry) Resurrect(store Store) (int, error) {
	records, err := store.Load()
	if err != nil {
		r.logger.Error("Failed to load saved app state", "error", err)
		r.opts.Bus.Publish(events.PersistenceFailedEvent{
			Attempts:  1,
			Error:     err.Error(),
			Timestamp: r.opts.Clock.Now().Format(time.RFC3339),
		})
		return 0, NewError(ErrCodePersistenceFailure, "failed to load saved app state", err)
	}

	restored := 0
	var errs []error
	for _, rec := range records {
		// Registered before its child starts, so a concurrent Add of the
		// same name fails instead of replacing a live supervisor.
		r.mu.Lock()
		if _, exists := r.apps[rec.Name]; exists {
			r.mu.Unlock()
			r.logger.Warn("Skipping saved app, already registered", "app", rec.Name)
			continue
		}
		s, restoreErr := restoreRecord(rec, r.opts)
		if restoreErr != nil {
			r.mu.Unlock()
			errs = append(errs, restoreErr)
			continue
		}
		r.apps[rec.Name] = s
		r.mu.Unlock()
		restored++

		if rec.Wanted {
			s.resume(rec.State.PID)
		}
	}

	r.logger.Info("Resurrected apps", "count", restored)
	return restored, errors.Join(errs...)
}

// Reconcile applies a freshly loaded set of definitions. New apps are added
// and launched, apps no longer defined are stopped and removed, and apps
// whose definition changed are replaced. A replacement starts with a fresh
// restart budget and is launched if the old app was meant to be running.
func (r *Registry) Reconcile(ctx context.Context, defs map[string]Definition) (ReconcileResult, error) {
	var result ReconcileResult
	var errs []error

	for _, name := range r.Names() {
		if _, keep := defs[name]; keep {
			continue
		}
		if err := r.Remove(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Removed = append(result.Removed, name)
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]

		r.mu.RLock()
		old, exists := r.apps[name]
		r.mu.RUnlock()

		if !exists {
			s, err := r.Add(name, def)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			result.Added = append(result.Added, name)
			_ = s.Launch()
			continue
		}

		if reflect.DeepEqual(old.Definition(), def) {
			continue
		}

		wasWanted := old.Status().Status.wanted()
		replacement, err := New(name, def.Spec, def.Policy, r.opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := old.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop app %s: %w", name, err))
			continue
		}

		r.mu.Lock()
		r.apps[name] = replacement
		r.mu.Unlock()
		result.Replaced = append(result.Replaced, name)
		r.logger.Info("Replaced app with new definition", "app", name)

		if wasWanted {
			_ = replacement.Launch()
		}
	}

	return result, errors.Join(errs...)
}

// snapshot returns the registered supervisors sorted by name.
func (r *Registry) snapshot() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]*Supervisor, 0, len(r.apps))
	for _, s := range r.apps {
		apps = append(apps, s)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].name < apps[j].name })
	return apps
}
