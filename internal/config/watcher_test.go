package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// startConfigWatcher watches a fresh file and returns its path and a channel
// of reloaded values.
func startConfigWatcher(t *testing.T, opts ...WatcherOption[testConfig]) (string, *Watcher[testConfig], <-chan testConfig) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecosystem.toml")
	writeFile(t, path, "name = \"initial\"\nvalue = 1\n")

	opts = append([]WatcherOption[testConfig]{WithDebounce[testConfig](50 * time.Millisecond)}, opts...)
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), opts...)
	received := make(chan testConfig, 10)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("watcher.Stop failed: %v", err)
		}
	})
	// fsnotify needs a moment before it reports events.
	time.Sleep(50 * time.Millisecond)
	return path, w, received
}

func expectReload(t *testing.T, received <-chan testConfig) testConfig {
	t.Helper()
	select {
	case cfg := <-received:
		return cfg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
		return testConfig{}
	}
}

func expectNoReload(t *testing.T, received <-chan testConfig) {
	t.Helper()
	select {
	case cfg := <-received:
		t.Errorf("unexpected reload: %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConfigWatcher_Reload(t *testing.T) {
	path, _, received := startConfigWatcher(t)

	writeFile(t, path, "name = \"updated\"\nvalue = 42\n")
	if cfg := expectReload(t, received); cfg.Name != "updated" || cfg.Value != 42 {
		t.Errorf("got %+v, want name=updated value=42", cfg)
	}

	// Each change is loaded fresh.
	writeFile(t, path, "value = 20\n")
	if cfg := expectReload(t, received); cfg.Value != 20 || cfg.Name != "" {
		t.Errorf("got %+v, want only value=20", cfg)
	}
}

func TestConfigWatcher_Debounce(t *testing.T) {
	path, _, received := startConfigWatcher(t)

	for i := range 5 {
		writeFile(t, path, "value = "+string(rune('1'+i))+"\n")
		time.Sleep(10 * time.Millisecond)
	}

	if cfg := expectReload(t, received); cfg.Value != 5 {
		t.Errorf("expected last write value=5, got %d", cfg.Value)
	}
	expectNoReload(t, received)
}

func TestConfigWatcher_HandlersInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecosystem.toml")
	writeFile(t, path, "value = 1\n")
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(testConfig) {
		return func(testConfig) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	w.OnReload(record("first"))
	remove := w.OnReload(record("second"))
	w.OnReload(record("third"))

	w.Reload()
	remove()
	remove()
	w.Reload()

	want := []string{"first", "second", "third", "first", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestConfigWatcher_ErrorKeepsHandlersQuiet(t *testing.T) {
	errs := make(chan error, 1)
	path, _, received := startConfigWatcher(t, WithErrorHandler[testConfig](func(err error) {
		errs <- err
	}))

	writeFile(t, path, "not valid toml [[[")
	select {
	case err := <-errs:
		var decodeErr *toml.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("expected a decode error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
	expectNoReload(t, received)
}

func TestConfigWatcher_AtomicReplace(t *testing.T) {
	path, _, received := startConfigWatcher(t)

	tmp := filepath.Join(filepath.Dir(path), ".ecosystem.toml.tmp")
	writeFile(t, tmp, "name = \"replaced\"\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	if cfg := expectReload(t, received); cfg.Name != "replaced" {
		t.Errorf("expected replaced config, got %+v", cfg)
	}
}

func TestConfigWatcher_IgnoresSiblings(t *testing.T) {
	path, _, received := startConfigWatcher(t)

	writeFile(t, filepath.Join(filepath.Dir(path), "warden.toml"), "port = \":9000\"\n")
	expectNoReload(t, received)
}

func TestConfigWatcher_StopDropsPendingChange(t *testing.T) {
	path, w, received := startConfigWatcher(t, WithDebounce[testConfig](300*time.Millisecond))

	writeFile(t, path, "value = 7\n")
	time.Sleep(20 * time.Millisecond)
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	expectNoReload(t, received)

	// Stopping twice is harmless.
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestConfigWatcher_ConcurrentReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecosystem.toml")
	writeFile(t, path, "value = 1\n")

	var running, overlaps atomic.Int32
	load := func(p string) (testConfig, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)
		time.Sleep(5 * time.Millisecond)
		return loadTestConfig(p)
	}
	w := NewConfigWatcher(path, load, newTestLogger())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsubscribe := w.OnReload(func(testConfig) {})
			w.Reload()
			unsubscribe()
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Errorf("reloads overlapped %d times", n)
	}
}

func TestConfigWatcher_MissingFile(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "missing.toml"), loadTestConfig, newTestLogger())
	if err := w.Start(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
