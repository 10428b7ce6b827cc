package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPollInterval is how often an attached process is checked for liveness.
const DefaultPollInterval = 500 * time.Millisecond

// Attach errors.
var (
	ErrNotRunning = errors.New("process is not running")
	ErrPIDReused  = errors.New("pid belongs to a different program")
)

// attached is a Handle for a process this Spawner did not start, typically
// one left running by a previous supervisor instance. Its exit status cannot
// be collected, so Done reports code -1.
type attached struct {
	pid  int
	done chan Exit
}

func (a *attached) PID() int          { return a.pid }
func (a *attached) Done() <-chan Exit { return a.done }
func (a *attached) Kill() error       { return signalGroup(a.pid, syscall.SIGKILL) }

func (a *attached) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return signalGroup(a.pid, s)
}

// Attach re-acquires a running process by PID. It fails when the PID is not
// alive or, where /proc is available, when its command line does not mention
// the command's script.
func (s *Spawner) Attach(pid int, c Command) (Handle, error) {
	if pid <= 0 {
		return nil, ErrNotRunning
	}
	if !alive(pid) {
		return nil, ErrNotRunning
	}
	if err := matchCmdline(pid, c); err != nil {
		return nil, err
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	a := &attached{pid: pid, done: make(chan Exit, 1)}
	s.Logger.Info("Attached to running process", "app", c.Name, "pid", pid)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if !alive(pid) {
				s.Logger.Info("Attached process exited", "app", c.Name, "pid", pid)
				a.done <- Exit{Code: -1}
				close(a.done)
				return
			}
		}
	}()

	return a, nil
}

// alive reports whether pid exists. EPERM means it exists but belongs to
// another user, which still counts as alive.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return !zombie(pid)
	}
	return false
}

// zombie reports whether pid has exited but not been reaped.
func zombie(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...; comm may contain spaces.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}

func matchCmdline(pid int, c Command) error {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		// No procfs: trust the PID.
		return nil
	}
	script, err := parseCommand(c.Script)
	if err != nil || len(script) == 0 {
		return nil
	}
	if !bytes.Contains(data, []byte(filepath.Base(script[0]))) {
		return fmt.Errorf("%w: pid %d", ErrPIDReused, pid)
	}
	return nil
}
