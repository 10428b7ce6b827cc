package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/smazurov/warden/internal/events"
)

// memoryStore is an in-memory Store that can be made to fail.
type memoryStore struct {
	mu       sync.Mutex
	records  []Record
	failures int
	loadErr  error
	saves    int
}

func (m *memoryStore) Save(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return errors.New("disk full")
	}
	m.records = append([]Record(nil), records...)
	return nil
}

func (m *memoryStore) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Record(nil), m.records...), nil
}

func newTestRegistry(l *fakeLauncher, bus *events.Bus) *Registry {
	return NewRegistry(Options{
		Launcher:          l,
		Clock:             clockwork.NewRealClock(),
		Logger:            testLogger(),
		Bus:               bus,
		PersistRetryDelay: time.Millisecond,
	})
}

func appDefinition(script string) Definition {
	return Definition{
		Spec:   ProcessSpec{Script: script, WorkingDir: "/srv"},
		Policy: RestartPolicy{AutoRestart: true, MaxRestarts: 3},
	}
}

func TestRegistryAddGet(t *testing.T) {
	r := newTestRegistry(newFakeLauncher(), nil)

	s, err := r.Add("qoo-bridge", appDefinition("./run.sh"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := r.Get("qoo-bridge")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != s {
		t.Error("Get returned a different supervisor")
	}

	if _, err := r.Add("qoo-bridge", appDefinition("./run.sh")); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, err := r.Add("broken", Definition{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestRegistryNamesAndListSorted(t *testing.T) {
	r := newTestRegistry(newFakeLauncher(), nil)
	for _, name := range []string{"worker", "api", "qoo-bridge"} {
		if _, err := r.Add(name, appDefinition("./"+name)); err != nil {
			t.Fatalf("Add %s failed: %v", name, err)
		}
	}

	want := []string{"api", "qoo-bridge", "worker"}
	if diff := cmp.Diff(want, r.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}

	var listed []string
	for _, rec := range r.List() {
		listed = append(listed, rec.Name)
	}
	if diff := cmp.Diff(want, listed); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryLaunchAllStopAll(t *testing.T) {
	l := newFakeLauncher()
	r := newTestRegistry(l, nil)
	for _, name := range []string{"api", "worker"} {
		if _, err := r.Add(name, appDefinition("./"+name)); err != nil {
			t.Fatalf("Add %s failed: %v", name, err)
		}
	}

	if err := r.LaunchAll(); err != nil {
		t.Fatalf("LaunchAll failed: %v", err)
	}
	waitForLaunch(t, l)
	waitForLaunch(t, l)

	if err := r.LaunchAll(); err != nil {
		t.Fatalf("second LaunchAll failed: %v", err)
	}
	expectNoLaunch(t, l)

	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	for _, rec := range r.List() {
		if rec.State.Status != StatusStopped {
			t.Errorf("app %s: expected stopped, got %s", rec.Name, rec.State.Status)
		}
	}
}

func TestRegistryRemove(t *testing.T) {
	l := newFakeLauncher()
	r := newTestRegistry(l, nil)
	s, err := r.Add("api", appDefinition("./api"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Launch(); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h := waitForLaunch(t, l)

	if err := r.Remove(context.Background(), "api"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if h.signalCount() != 1 {
		t.Errorf("expected removed app to be stopped, got %d signals", h.signalCount())
	}
	if _, err := r.Get("api"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected removed app to be gone, got %v", err)
	}
	if err := r.Remove(context.Background(), "api"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND removing twice, got %v", err)
	}
}

func TestRegistrySaveRetries(t *testing.T) {
	r := newTestRegistry(newFakeLauncher(), nil)
	if _, err := r.Add("api", appDefinition("./api")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	store := &memoryStore{failures: 2}
	if err := r.Save(store); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if store.saves != 3 {
		t.Errorf("expected 3 attempts, got %d", store.saves)
	}
	if len(store.records) != 1 || store.records[0].Name != "api" {
		t.Errorf("unexpected saved records %+v", store.records)
	}
}

func TestRegistrySaveFailure(t *testing.T) {
	bus := events.New()
	failed := make(chan events.PersistenceFailedEvent, 1)
	unsub := bus.Subscribe(func(e events.PersistenceFailedEvent) { failed <- e })
	defer unsub()

	l := newFakeLauncher()
	r := newTestRegistry(l, bus)
	s, err := r.Add("api", appDefinition("./api"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Launch(); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForLaunch(t, l)

	store := &memoryStore{failures: -1}
	err = r.Save(store)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %v", err)
	}
	if store.saves != 3 {
		t.Errorf("expected 3 attempts, got %d", store.saves)
	}

	select {
	case e := <-failed:
		if e.Attempts != 3 || e.Error != "disk full" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("expected PersistenceFailedEvent")
	}

	if st := s.Status(); st.Status != StatusRunning {
		t.Errorf("failed save must not affect running app, got %s", st.Status)
	}
}

func TestRegistryResurrect(t *testing.T) {
	l := newFakeLauncher()
	l.attachable[4242] = true

	running := bridgeRecord(StatusRunning, 4242)
	stopped := bridgeRecord(StatusStopped, 0)
	stopped.Name = "worker"
	store := &memoryStore{records: []Record{running, stopped}}

	r := newTestRegistry(l, nil)
	restored, err := r.Resurrect(store)
	if err != nil {
		t.Fatalf("Resurrect failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("expected 2 restored apps, got %d", restored)
	}

	bridge, err := r.Get("qoo-bridge")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := bridge.Status(); st.Status != StatusRunning || st.PID != 4242 {
		t.Errorf("expected re-attached bridge, got %s pid %d", st.Status, st.PID)
	}
	worker, err := r.Get("worker")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := worker.Status(); st.Status != StatusStopped {
		t.Errorf("expected worker stopped, got %s", st.Status)
	}
	if l.launchCount() != 0 {
		t.Errorf("expected no launches, got %d", l.launchCount())
	}

	again, err := r.Resurrect(store)
	if err != nil {
		t.Fatalf("second Resurrect failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected registered apps to be skipped, restored %d", again)
	}
}

func TestRegistryResurrectRegistersBeforeAttach(t *testing.T) {
	l := newFakeLauncher()
	l.attachable[4242] = true
	r := newTestRegistry(l, nil)

	var addErr error
	l.onAttach = func(int) {
		_, addErr = r.Add("qoo-bridge", appDefinition("./other"))
	}

	store := &memoryStore{records: []Record{bridgeRecord(StatusRunning, 4242)}}
	if _, err := r.Resurrect(store); err != nil {
		t.Fatalf("Resurrect failed: %v", err)
	}
	if !errors.Is(addErr, ErrAlreadyExists) {
		t.Errorf("expected Add during resurrect to fail with ALREADY_EXISTS, got %v", addErr)
	}

	s, err := r.Get("qoo-bridge")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := s.Status(); st.Status != StatusRunning || st.PID != 4242 {
		t.Errorf("expected the resurrected bridge re-attached, got %s pid %d", st.Status, st.PID)
	}
	if l.launchCount() != 0 {
		t.Errorf("expected no launches, got %d", l.launchCount())
	}
}

func TestRegistryResurrectLoadError(t *testing.T) {
	r := newTestRegistry(newFakeLauncher(), nil)
	_, err := r.Resurrect(&memoryStore{loadErr: errors.New("corrupt dump")})
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Errorf("expected PERSISTENCE_FAILURE, got %v", err)
	}
}

func TestRegistrySaveResurrectRoundTrip(t *testing.T) {
	l := newFakeLauncher()
	r := newTestRegistry(l, nil)
	s, err := r.Add("api", appDefinition("./api"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Launch(); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h := waitForLaunch(t, l)

	store := &memoryStore{}
	if err := r.Save(store); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	l.attachable[h.pid] = true
	next := newTestRegistry(l, nil)
	if _, err := next.Resurrect(store); err != nil {
		t.Fatalf("Resurrect failed: %v", err)
	}
	got, err := next.Get("api")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := got.Status(); st.PID != h.pid {
		t.Errorf("expected re-attach to pid %d, got %d", h.pid, st.PID)
	}
	if diff := cmp.Diff(s.Definition(), got.Definition()); diff != "" {
		t.Errorf("definition mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryReconcile(t *testing.T) {
	l := newFakeLauncher()
	r := newTestRegistry(l, nil)

	for _, name := range []string{"api", "legacy", "worker"} {
		if _, err := r.Add(name, appDefinition("./"+name)); err != nil {
			t.Fatalf("Add %s failed: %v", name, err)
		}
	}
	if err := r.LaunchAll(); err != nil {
		t.Fatalf("LaunchAll failed: %v", err)
	}
	handles := map[int]*fakeHandle{}
	for range 3 {
		h := waitForLaunch(t, l)
		handles[h.pid] = h
	}

	api, _ := r.Get("api")
	worker, _ := r.Get("worker")
	worker.mu.Lock()
	worker.state.RestartCount = 2
	worker.publishLocked()
	worker.mu.Unlock()

	changed := appDefinition("./worker")
	changed.Spec.Env = map[string]string{"WORKERS": "4"}

	result, err := r.Reconcile(context.Background(), map[string]Definition{
		"api":    appDefinition("./api"),
		"worker": changed,
		"cron":   appDefinition("./cron"),
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	want := ReconcileResult{
		Added:    []string{"cron"},
		Removed:  []string{"legacy"},
		Replaced: []string{"worker"},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if !result.Changed() {
		t.Error("expected Changed to report true")
	}

	if diff := cmp.Diff([]string{"api", "cron", "worker"}, r.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if got, _ := r.Get("api"); got != api {
		t.Error("unchanged app must keep its supervisor")
	}

	replaced, _ := r.Get("worker")
	if replaced == worker {
		t.Fatal("changed app must get a new supervisor")
	}
	if st := replaced.Status(); st.Status != StatusRunning || st.RestartCount != 0 {
		t.Errorf("expected replacement running with fresh budget, got %s count %d", st.Status, st.RestartCount)
	}
	if diff := cmp.Diff(changed, replaced.Definition()); diff != "" {
		t.Errorf("replacement definition mismatch (-want +got):\n%s", diff)
	}

	// cron and the replacement worker
	waitForLaunch(t, l)
	waitForLaunch(t, l)

	signalled := 0
	for _, h := range handles {
		signalled += h.signalCount()
	}
	if signalled != 2 {
		t.Errorf("expected removed and replaced children to be stopped, got %d signals", signalled)
	}

	result, err = r.Reconcile(context.Background(), map[string]Definition{
		"api":    appDefinition("./api"),
		"worker": changed,
		"cron":   appDefinition("./cron"),
	})
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if result.Changed() {
		t.Errorf("expected no changes, got %+v", result)
	}
}
