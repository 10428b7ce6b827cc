package process

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSpawner() *Spawner {
	s := NewSpawner(testLogger())
	s.PollInterval = 20 * time.Millisecond
	return s
}

// waitForExit waits for the handle to report an exit, fails test on timeout.
func waitForExit(t *testing.T, h Handle, timeout time.Duration) Exit {
	t.Helper()
	select {
	case ex := <-h.Done():
		return ex
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to exit")
		return Exit{}
	}
}

func TestLaunchExitCode(t *testing.T) {
	h, err := newTestSpawner().Launch(Command{Name: "test", Script: `sh -c "exit 3"`})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if h.PID() <= 0 {
		t.Errorf("expected positive pid, got %d", h.PID())
	}

	ex := waitForExit(t, h, 2*time.Second)
	if ex.Code != 3 {
		t.Errorf("expected exit code 3, got %d", ex.Code)
	}
	if ex.Signal != "" {
		t.Errorf("expected no signal, got %q", ex.Signal)
	}
}

func TestLaunchCleanExit(t *testing.T) {
	h, err := newTestSpawner().Launch(Command{Name: "test", Script: "true"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if ex := waitForExit(t, h, 2*time.Second); ex.Code != 0 || ex.Err != nil {
		t.Errorf("expected clean exit, got %+v", ex)
	}
}

func TestLaunchPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	h, err := newTestSpawner().Launch(Command{
		Name:   "test",
		Script: `sh -c "echo $BRIDGE_HOST:$BRIDGE_PORT > out.txt"`,
		Dir:    dir,
		Env:    map[string]string{"BRIDGE_HOST": "0.0.0.0", "BRIDGE_PORT": "4050"},
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForExit(t, h, 2*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("expected output file in working directory: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "0.0.0.0:4050" {
		t.Errorf("expected env 0.0.0.0:4050, got %q", got)
	}
}

func TestLaunchWithInterpreter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("exit 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := newTestSpawner().Launch(Command{Name: "test", Script: "./run.sh", Dir: dir, Interpreter: "/bin/sh"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if ex := waitForExit(t, h, 2*time.Second); ex.Code != 7 {
		t.Errorf("expected exit code 7, got %d", ex.Code)
	}
}

func TestLaunchFailures(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"missing binary", Command{Script: "/nonexistent/binary"}},
		{"empty script", Command{Script: "   "}},
		{"unclosed quote", Command{Script: `sh -c "echo`}},
		{"missing dir", Command{Script: "true", Dir: "/nonexistent/dir"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newTestSpawner().Launch(tt.cmd); err == nil {
				t.Error("expected launch error")
			}
		})
	}
}

func TestSignalGracefulStop(t *testing.T) {
	h, err := newTestSpawner().Launch(Command{
		Name:   "test",
		Script: `sh -c "trap 'exit 0' INT TERM; while :; do sleep 0.1; done"`,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if sigErr := h.Signal(syscall.SIGINT); sigErr != nil {
		t.Fatalf("Signal failed: %v", sigErr)
	}
	if ex := waitForExit(t, h, 2*time.Second); ex.Code != 0 {
		t.Errorf("expected exit code 0, got %d", ex.Code)
	}
}

func TestKillReportsSignal(t *testing.T) {
	h, err := newTestSpawner().Launch(Command{Name: "test", Script: `sh -c "trap '' INT; sleep 10"`})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if killErr := h.Kill(); killErr != nil {
		t.Fatalf("Kill failed: %v", killErr)
	}

	// 128 + 9 for SIGKILL
	ex := waitForExit(t, h, 2*time.Second)
	if ex.Code != 137 {
		t.Errorf("expected exit code 137, got %d", ex.Code)
	}
	if ex.Signal != "SIGKILL" {
		t.Errorf("expected signal SIGKILL, got %q", ex.Signal)
	}
}

func TestSignalAfterExit(t *testing.T) {
	h, err := newTestSpawner().Launch(Command{Name: "test", Script: "true"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForExit(t, h, 2*time.Second)

	// Signalling a finished process must not panic
	if sigErr := h.Signal(syscall.SIGINT); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
		t.Errorf("expected nil or ErrProcessDone, got %v", sigErr)
	}
}

// syncBuffer is a bytes.Buffer safe for the output readers and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitForOutput polls until buf contains every one of want.
func waitForOutput(t *testing.T, buf *syncBuffer, want ...string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		output := buf.String()
		missing := false
		for _, w := range want {
			if !strings.Contains(output, w) {
				missing = true
			}
		}
		if !missing {
			return output
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %q in output %s", want, output)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutputIsLogged(t *testing.T) {
	var buf syncBuffer
	s := newTestSpawner()
	s.OutputLogger = func(name string, _ bool) *slog.Logger {
		return slog.New(slog.NewTextHandler(&buf, nil)).With("app", name)
	}

	h, err := s.Launch(Command{Name: "bridge", Script: `sh -c "echo hello; echo 'ERROR: boom' >&2"`})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForExit(t, h, 2*time.Second)

	output := waitForOutput(t, &buf, "msg=hello", "msg=boom")
	if !strings.Contains(output, "level=ERROR") {
		t.Errorf("expected parsed error line in output, got %s", output)
	}
	if !strings.Contains(output, "app=bridge") {
		t.Errorf("expected app attribute in output, got %s", output)
	}
}

func TestExitNotHeldByBackgroundJob(t *testing.T) {
	var buf syncBuffer
	s := newTestSpawner()
	s.DrainTimeout = 50 * time.Millisecond
	s.OutputLogger = func(name string, _ bool) *slog.Logger {
		return slog.New(slog.NewTextHandler(&buf, nil)).With("app", name)
	}

	// The background sleep inherits stdout and stderr and outlives its parent.
	h, err := s.Launch(Command{Name: "wrapper", Script: `sh -c "echo started; sleep 3 & exit 1"`})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	t.Cleanup(func() { _ = signalGroup(h.PID(), syscall.SIGKILL) })

	start := time.Now()
	ex := waitForExit(t, h, 2*time.Second)
	if ex.Code != 1 {
		t.Errorf("expected exit code 1, got %d", ex.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exit delivered after %v, expected it before the background job ends", elapsed)
	}
	waitForOutput(t, &buf, "msg=started")
}

func TestOutputDirAppendsToFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestSpawner()
	s.OutputDir = filepath.Join(dir, "logs")

	for _, word := range []string{"first", "second"} {
		h, err := s.Launch(Command{Name: "bridge", Script: "echo " + word})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		waitForExit(t, h, 2*time.Second)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "bridge.log"))
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if got := string(data); got != "first\nsecond\n" {
		t.Errorf("expected appended output, got %q", got)
	}
}

// startSleeper starts a process outside the Spawner, as a previous
// supervisor instance would have.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "10")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sleeper: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestAttachLiveProcess(t *testing.T) {
	cmd := startSleeper(t)

	h, err := newTestSpawner().Attach(cmd.Process.Pid, Command{Name: "test", Script: "sleep 10"})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if h.PID() != cmd.Process.Pid {
		t.Errorf("expected pid %d, got %d", cmd.Process.Pid, h.PID())
	}

	select {
	case <-h.Done():
		t.Fatal("attached process reported exit while still running")
	case <-time.After(100 * time.Millisecond):
	}

	if killErr := h.Kill(); killErr != nil {
		t.Fatalf("Kill failed: %v", killErr)
	}
	if ex := waitForExit(t, h, 2*time.Second); ex.Code != -1 {
		t.Errorf("expected exit code -1 for attached process, got %d", ex.Code)
	}
}

func TestAttachDeadProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}

	_, err := newTestSpawner().Attach(cmd.Process.Pid, Command{Name: "test", Script: "true"})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestAttachInvalidPID(t *testing.T) {
	if _, err := newTestSpawner().Attach(0, Command{Script: "true"}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestAttachDifferentProgram(t *testing.T) {
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("procfs not available")
	}
	cmd := startSleeper(t)

	_, err := newTestSpawner().Attach(cmd.Process.Pid, Command{Name: "test", Script: "node server.js"})
	if !errors.Is(err, ErrPIDReused) {
		t.Errorf("expected ErrPIDReused, got %v", err)
	}
}

func TestCommandArgv(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []string
	}{
		{"script only", Command{Script: "./run.sh"}, []string{"./run.sh"}},
		{"script with args", Command{Script: "node app.js", Args: []string{"--port", "4050"}}, []string{"node", "app.js", "--port", "4050"}},
		{"interpreter", Command{Script: "./run.sh", Interpreter: "/bin/bash"}, []string{"/bin/bash", "./run.sh"}},
		{"interpreter none", Command{Script: "./run.sh", Interpreter: "none"}, []string{"./run.sh"}},
		{"interpreter with flags", Command{Script: "app.py", Interpreter: "python3 -u"}, []string{"python3", "-u", "app.py"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.argv()
			if err != nil {
				t.Fatalf("argv failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandEnvironOverrides(t *testing.T) {
	t.Setenv("WARDEN_TEST_VAR", "parent")

	env := Command{Env: map[string]string{"WARDEN_TEST_VAR": "child"}}.environ()

	// exec uses the last value for duplicate keys
	last := ""
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "WARDEN_TEST_VAR="); ok {
			last = v
		}
	}
	if last != "child" {
		t.Errorf("expected child value to win, got %q", last)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    []string
		wantErr bool
	}{
		{"sleep 10", []string{"sleep", "10"}, false},
		{`sh -c "echo hello world"`, []string{"sh", "-c", "echo hello world"}, false},
		{`sh -c 'trap "" INT'`, []string{"sh", "-c", `trap "" INT`}, false},
		{`echo a\ b`, []string{"echo", "a b"}, false},
		{"  spaced   out  ", []string{"spaced", "out"}, false},
		{"", nil, false},
		{`echo "unclosed`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCommand(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseCommand(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q) error: %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseCommand(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestExitFromError(t *testing.T) {
	if ex := exitFromError(nil); ex.Code != 0 {
		t.Errorf("expected 0 for nil error, got %d", ex.Code)
	}
	if ex := exitFromError(errors.New("wait failed")); ex.Code != 1 {
		t.Errorf("expected 1 for generic error, got %d", ex.Code)
	}
}
