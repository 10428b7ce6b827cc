package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/smazurov/warden/internal/events"
	"github.com/smazurov/warden/internal/process"
)

// Launcher starts and re-attaches child processes.
// process.Spawner is the production implementation.
type Launcher interface {
	Launch(cmd process.Command) (process.Handle, error)
	Attach(pid int, cmd process.Command) (process.Handle, error)
}

// Options configures a Supervisor or Registry.
type Options struct {
	// Launcher starts child processes (required).
	Launcher Launcher

	// Clock drives uptime, restart delay and kill timeout. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger for lifecycle logs. If nil, uses slog.Default().
	Logger *slog.Logger

	// Bus receives lifecycle events (optional).
	Bus *events.Bus

	// PersistRetries is how many times Registry.Save attempts a write. Default 3.
	PersistRetries int

	// PersistRetryDelay is the pause between save attempts. Default 200ms.
	PersistRetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 3
	}
	if o.PersistRetryDelay <= 0 {
		o.PersistRetryDelay = 200 * time.Millisecond
	}
	return o
}

// Supervisor owns the lifecycle of exactly one child process.
//
// All transitions happen under mu. The child is spawned and waited on
// outside the lock. gen is bumped by every launch and stop, so a relaunch
// timer or spawn that belongs to an earlier cycle becomes a no-op.
type Supervisor struct {
	name     string
	spec     ProcessSpec
	policy   RestartPolicy
	launcher Launcher
	clock    clockwork.Clock
	logger   *slog.Logger
	bus      *events.Bus

	mu          sync.Mutex
	state       State
	handle      process.Handle
	gen         uint64
	pending     *pendingRelaunch
	stopDone    chan struct{}
	killed      bool
	killPending bool
	budgetReset bool

	snapshot atomic.Pointer[State]
}

type pendingRelaunch struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// New creates a stopped Supervisor. It does not launch the child.
func New(name string, spec ProcessSpec, policy RestartPolicy, opts Options) (*Supervisor, error) {
	if name == "" {
		return nil, NewError(ErrCodeInvalidConfig, "app name is required", nil)
	}
	if err := (Definition{Spec: spec, Policy: policy}).Validate(); err != nil {
		return nil, NewError(ErrCodeInvalidConfig, fmt.Sprintf("invalid definition for app %s", name), err)
	}
	if opts.Launcher == nil {
		return nil, NewError(ErrCodeInvalidConfig, "launcher is required", nil)
	}
	opts = opts.withDefaults()

	s := &Supervisor{
		name:     name,
		spec:     spec,
		policy:   policy,
		launcher: opts.Launcher,
		clock:    opts.Clock,
		logger:   opts.Logger.With("app", name),
		bus:      opts.Bus,
		state:    State{Status: StatusStopped},
	}
	s.publishLocked()
	return s, nil
}

// Name returns the app name.
func (s *Supervisor) Name() string { return s.name }

// Definition returns the immutable spec and policy.
func (s *Supervisor) Definition() Definition {
	return Definition{Spec: s.spec, Policy: s.policy}
}

// Status returns the latest state snapshot. It never blocks on an
// in-flight launch or exit.
func (s *Supervisor) Status() State {
	return s.snapshot.Load().clone()
}

// Launch starts the child. Allowed from Stopped and WaitingToRestart, and
// from Errored once the restart budget has been reset. A spawn failure is
// fed to the restart decision as an immediate exit and also returned.
func (s *Supervisor) Launch() error {
	s.mu.Lock()
	switch s.state.Status {
	case StatusStopped, StatusWaitingToRestart:
	case StatusErrored:
		if !s.budgetReset {
			s.mu.Unlock()
			return NewError(ErrCodeBudgetExhausted,
				fmt.Sprintf("app %s exhausted its restart budget, reset it before launching", s.name), nil)
		}
	default:
		status := s.state.Status
		s.mu.Unlock()
		return NewError(ErrCodeInvalidState, fmt.Sprintf("cannot launch app %s while %s", s.name, status), nil)
	}
	s.cancelRelaunchLocked()
	gen := s.beginLaunchLocked("launch requested")
	s.mu.Unlock()

	return s.spawn(gen)
}

// Stop terminates the child and leaves the app Stopped. The stop signal is
// sent once; after the kill timeout the process group is killed. A pending
// relaunch is cancelled. Concurrent calls share one termination. Stopping
// a Stopped or Errored app is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state.Status {
	case StatusStopped, StatusErrored:
		s.mu.Unlock()
		return nil
	case StatusWaitingToRestart, StatusCrashed:
		s.cancelRelaunchLocked()
		s.gen++
		s.transitionLocked(StatusStopped, "stopped while waiting to restart")
		s.mu.Unlock()
		return nil
	case StatusStopping:
		done := s.stopDone
		s.mu.Unlock()
		return s.awaitStop(ctx, done)
	}

	// Launching or Running. While launching there is no handle yet; spawn
	// sees the bumped generation and signals the new child itself.
	s.gen++
	s.stopDone = make(chan struct{})
	done := s.stopDone
	h := s.handle
	s.transitionLocked(StatusStopping, "stop requested")
	s.mu.Unlock()

	if h != nil {
		s.signal(h, s.spec.stopSignal())
	}
	return s.awaitStop(ctx, done)
}

// Restart stops the app if needed and launches it again. It does not
// consume the restart budget.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Launch()
}

// ResetRestartBudget sets the restart count to zero without changing the
// status. An Errored app can be launched again afterwards.
func (s *Supervisor) ResetRestartBudget() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.RestartCount = 0
	if s.state.Status == StatusErrored {
		s.budgetReset = true
	}
	s.publishLocked()
	s.logger.Info("Restart budget reset", "status", s.state.Status)
}

// beginLaunchLocked moves to Launching and returns the new generation.
func (s *Supervisor) beginLaunchLocked(reason string) uint64 {
	s.gen++
	s.budgetReset = false
	s.killPending = false
	s.state.LastError = ""
	s.transitionLocked(StatusLaunching, reason)
	return s.gen
}

// spawn starts the child for generation gen. It runs without the lock.
func (s *Supervisor) spawn(gen uint64) error {
	h, err := s.launcher.Launch(s.spec.Command(s.name))
	now := s.clock.Now()

	s.mu.Lock()
	stale := s.gen != gen

	if err != nil {
		s.logger.Error("Launch failed", "error", err)
		s.state.LastError = err.Error()
		if stale {
			if s.state.Status == StatusStopping {
				s.finishStopLocked("stopped during launch")
			}
		} else {
			s.state.LastLaunchTime = now
			s.unexpectedExitLocked(process.Exit{Code: -1, Err: err}, 0, now)
		}
		s.mu.Unlock()
		return NewError(ErrCodeLaunchFailure, fmt.Sprintf("failed to launch app %s", s.name), err)
	}

	s.handle = h
	s.killed = false
	s.state.PID = h.PID()
	s.state.LastLaunchTime = now

	if stale {
		kill := s.killPending
		s.killed = kill
		s.publishLocked()
		s.mu.Unlock()
		if kill {
			s.kill(h)
		} else {
			s.signal(h, s.spec.stopSignal())
		}
		go s.watch(h)
		return nil
	}

	s.transitionLocked(StatusRunning, "launched")
	s.bus.Publish(events.AppLaunchedEvent{
		App:          s.name,
		PID:          h.PID(),
		RestartCount: s.state.RestartCount,
		Timestamp:    now.Format(time.RFC3339),
	})
	s.mu.Unlock()

	// Started only after Running is visible, so an exit is never processed
	// before its launch.
	go s.watch(h)
	return nil
}

// watch waits for the child to exit.
func (s *Supervisor) watch(h process.Handle) {
	exit := <-h.Done()
	s.onChildExit(h, exit)
}

// onChildExit runs exactly once per child termination.
func (s *Supervisor) onChildExit(h process.Handle, exit process.Exit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return
	}
	pid := h.PID()
	s.handle = nil
	s.state.PID = 0
	now := s.clock.Now()

	if s.state.Status == StatusStopping {
		s.finishStopLocked(exitReason("stopped", exit))
		return
	}
	s.unexpectedExitLocked(exit, pid, now)
}

// unexpectedExitLocked records the exit and decides between stopping,
// erroring and scheduling a relaunch.
func (s *Supervisor) unexpectedExitLocked(exit process.Exit, pid int, now time.Time) {
	uptime := now.Sub(s.state.LastLaunchTime)
	class := ExitClassErrored
	if uptime < s.policy.MinUptime {
		class = ExitClassCrashed
	}
	s.state.LastExit = &ExitInfo{ExitCode: exit.Code, Signal: exit.Signal, Time: now, Class: class}
	s.state.UptimeAtLastExit = uptime

	s.logger.Warn("App exited unexpectedly",
		"pid", pid, "exit_code", exit.Code, "signal", exit.Signal, "uptime", uptime, "class", class)
	s.bus.Publish(events.AppExitedEvent{
		App:       s.name,
		PID:       pid,
		ExitCode:  exit.Code,
		Signal:    exit.Signal,
		UptimeMs:  uptime.Milliseconds(),
		Class:     string(class),
		Timestamp: now.Format(time.RFC3339),
	})
	s.transitionLocked(StatusCrashed, exitReason(string(class), exit))

	switch {
	case !s.policy.AutoRestart:
		s.transitionLocked(StatusStopped, "autorestart disabled")
	case s.state.RestartCount >= s.policy.MaxRestarts:
		msg := fmt.Sprintf("restart budget exhausted after %d restarts", s.state.RestartCount)
		s.state.LastError = msg
		s.transitionLocked(StatusErrored, msg)
		s.logger.Error("App errored", "restart_count", s.state.RestartCount, "max_restarts", s.policy.MaxRestarts)
		s.bus.Publish(events.AppErroredEvent{
			App:          s.name,
			RestartCount: s.state.RestartCount,
			MaxRestarts:  s.policy.MaxRestarts,
			Message:      msg,
			Timestamp:    now.Format(time.RFC3339),
		})
	default:
		s.state.RestartCount++
		s.gen++
		s.scheduleRelaunchLocked(s.gen)
		s.transitionLocked(StatusWaitingToRestart, fmt.Sprintf("restart %d of %d in %s",
			s.state.RestartCount, s.policy.MaxRestarts, s.policy.RestartDelay))
	}
}

// scheduleRelaunchLocked arms the restart delay timer. The relaunch always
// runs on its own goroutine, even with a zero delay, so Stop can intervene.
func (s *Supervisor) scheduleRelaunchLocked(gen uint64) {
	p := &pendingRelaunch{
		timer:  s.clock.NewTimer(s.policy.RestartDelay),
		cancel: make(chan struct{}),
	}
	s.pending = p
	go func() {
		select {
		case <-p.timer.Chan():
			s.relaunch(gen)
		case <-p.cancel:
		}
	}()
}

func (s *Supervisor) cancelRelaunchLocked() {
	if s.pending == nil {
		return
	}
	s.pending.timer.Stop()
	close(s.pending.cancel)
	s.pending = nil
}

// relaunch fires after the restart delay. Stale generations are ignored.
func (s *Supervisor) relaunch(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state.Status != StatusWaitingToRestart {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	next := s.beginLaunchLocked(fmt.Sprintf("restart %d of %d", s.state.RestartCount, s.policy.MaxRestarts))
	s.mu.Unlock()

	_ = s.spawn(next)
}

// awaitStop waits for the stopping child, killing it after the kill timeout.
func (s *Supervisor) awaitStop(ctx context.Context, done <-chan struct{}) error {
	timeout := s.spec.killTimeout()
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
	}

	s.mu.Lock()
	h := s.handle
	kill := s.state.Status == StatusStopping && !s.killed
	if kill {
		s.killed = true
		if h == nil {
			s.killPending = true
		}
	}
	s.mu.Unlock()

	if kill && h != nil {
		s.logger.Warn("Graceful stop timed out, killing", "pid", h.PID(), "timeout", timeout)
		s.kill(h)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishStopLocked completes an intentional stop.
func (s *Supervisor) finishStopLocked(reason string) {
	s.killed = false
	s.killPending = false
	s.transitionLocked(StatusStopped, reason)
	if s.stopDone != nil {
		close(s.stopDone)
		s.stopDone = nil
	}
}

func (s *Supervisor) signal(h process.Handle, sig syscall.Signal) {
	s.logger.Info("Sending stop signal", "pid", h.PID(), "signal", sig.String())
	if err := h.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to send stop signal", "pid", h.PID(), "error", err)
	}
}

func (s *Supervisor) kill(h process.Handle) {
	if err := h.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill process", "pid", h.PID(), "error", err)
	}
}

// transitionLocked changes status, publishes the snapshot, logs and emits
// a state change event.
func (s *Supervisor) transitionLocked(to Status, reason string) {
	from := s.state.Status
	s.state.Status = to
	s.state.Reason = reason
	s.publishLocked()

	s.logger.Info("State transition",
		"from", from, "to", to, "reason", reason, "restart_count", s.state.RestartCount)
	s.bus.Publish(events.AppStateChangedEvent{
		App:          s.name,
		From:         string(from),
		To:           string(to),
		Reason:       reason,
		RestartCount: s.state.RestartCount,
		Timestamp:    s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Supervisor) publishLocked() {
	st := s.state.clone()
	s.snapshot.Store(&st)
}

func exitReason(prefix string, exit process.Exit) string {
	if exit.Signal != "" {
		return fmt.Sprintf("%s, killed by %s", prefix, exit.Signal)
	}
	if exit.Code == -1 && exit.Err != nil {
		return fmt.Sprintf("%s, %v", prefix, exit.Err)
	}
	return fmt.Sprintf("%s, exit code %d", prefix, exit.Code)
}
