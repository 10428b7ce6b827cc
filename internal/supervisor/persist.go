package supervisor

import (
	"time"

	"github.com/smazurov/warden/internal/events"
)

// Record is the serializable form of one Supervisor: its definition, its
// state, and whether it is intended to be running.
type Record struct {
	Name   string        `json:"name"`
	Spec   ProcessSpec   `json:"spec"`
	Policy RestartPolicy `json:"policy"`
	State  State         `json:"state"`
	Wanted bool          `json:"wanted"`
}

// Store persists records across supervisor restarts. Save must replace the
// previous contents atomically. Load of a store that was never saved
// returns no records and no error.
type Store interface {
	Save(records []Record) error
	Load() ([]Record, error)
}

// Record returns a serializable snapshot of the Supervisor.
func (s *Supervisor) Record() Record {
	st := s.Status()
	return Record{
		Name:   s.name,
		Spec:   s.spec,
		Policy: s.policy,
		State:  st,
		Wanted: st.Status.wanted(),
	}
}

// Restore rebuilds a Supervisor from a record. A wanted app whose recorded
// PID is still alive is re-attached rather than launched again. If
// re-attaching is impossible the app is treated as Stopped and relaunched.
// Apps that were not wanted stay Stopped, or Errored if they were.
func Restore(rec Record, opts Options) (*Supervisor, error) {
	s, err := restoreRecord(rec, opts)
	if err != nil {
		return nil, err
	}
	if rec.Wanted {
		s.resume(rec.State.PID)
	}
	return s, nil
}

// restoreRecord builds the Supervisor of rec with its saved counters but
// starts nothing.
func restoreRecord(rec Record, opts Options) (*Supervisor, error) {
	s, err := New(rec.Name, rec.Spec, rec.Policy, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := rec.State.clone()
	s.state.RestartCount = prev.RestartCount
	s.state.LastLaunchTime = prev.LastLaunchTime
	s.state.LastExit = prev.LastExit
	s.state.UptimeAtLastExit = prev.UptimeAtLastExit
	s.state.LastError = prev.LastError
	if !rec.Wanted {
		if prev.Status == StatusErrored {
			s.state.Status = StatusErrored
		}
		s.state.Reason = "restored"
		s.publishLocked()
		s.logger.Info("Restored app", "status", s.state.Status)
	}
	return s, nil
}

// resume re-attaches to pid when it is still the app's child, otherwise
// launches a new one.
func (s *Supervisor) resume(pid int) {
	if pid > 0 && s.reattach(pid) {
		return
	}
	if err := s.Launch(); err != nil {
		s.logger.Warn("Relaunch after restore failed", "error", err)
	}
}

// reattach adopts an already running child by PID.
func (s *Supervisor) reattach(pid int) bool {
	h, err := s.launcher.Attach(pid, s.spec.Command(s.name))
	if err != nil {
		s.logger.Warn("Cannot re-attach to recorded process, relaunching", "pid", pid, "error", err)
		return false
	}

	s.mu.Lock()
	if s.state.Status != StatusStopped {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.handle = h
	s.state.PID = h.PID()
	s.transitionLocked(StatusLaunching, "restoring")
	s.transitionLocked(StatusRunning, "re-attached to running process")
	s.bus.Publish(events.AppLaunchedEvent{
		App:          s.name,
		PID:          h.PID(),
		RestartCount: s.state.RestartCount,
		Attached:     true,
		Timestamp:    s.clock.Now().Format(time.RFC3339),
	})
	s.mu.Unlock()

	go s.watch(h)
	return true
}
