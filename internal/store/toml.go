package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/warden/internal/process"
	"github.com/smazurov/warden/internal/supervisor"
)

// DumpVersion is the current dump file format version.
const DumpVersion = 1

// dump is the complete dump file for TOML marshaling.
type dump struct {
	Version int                `toml:"version"`
	SavedAt time.Time          `toml:"saved_at"`
	Apps    map[string]appDump `toml:"apps"`
}

// appDump is one app. Durations are stored as integer milliseconds to
// match the ecosystem file.
type appDump struct {
	Script      string            `toml:"script"`
	Args        []string          `toml:"args,omitempty"`
	Cwd         string            `toml:"cwd,omitempty"`
	Interpreter string            `toml:"interpreter,omitempty"`
	ExecMode    string            `toml:"exec_mode,omitempty"`
	Watch       bool              `toml:"watch"`
	Time        bool              `toml:"time"`
	KillTimeout int64             `toml:"kill_timeout"`
	StopSignal  string            `toml:"stop_signal,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`

	AutoRestart  bool  `toml:"autorestart"`
	MaxRestarts  int   `toml:"max_restarts"`
	RestartDelay int64 `toml:"restart_delay"`
	MinUptime    int64 `toml:"min_uptime"`

	Wanted bool      `toml:"wanted"`
	State  stateDump `toml:"state"`
}

type stateDump struct {
	Status       string `toml:"status"`
	RestartCount int    `toml:"restart_count"`
	PID          int    `toml:"pid,omitempty"`
	// Zero when the app never launched. Not omitempty: go-toml would drop
	// set times as well.
	LastLaunchTime   time.Time `toml:"last_launch_time"`
	UptimeAtLastExit int64     `toml:"uptime_at_last_exit"`
	Reason           string    `toml:"reason,omitempty"`
	LastError        string    `toml:"last_error,omitempty"`
	LastExit         *exitDump `toml:"last_exit,omitempty"`
}

type exitDump struct {
	ExitCode int       `toml:"exit_code"`
	Signal   string    `toml:"signal,omitempty"`
	Time     time.Time `toml:"time"`
	Class    string    `toml:"class"`
}

// tomlStore implements supervisor.Store using an atomically replaced TOML file.
type tomlStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewTOML creates a TOML dump store at path.
func NewTOML(path string) supervisor.Store {
	if path == "" {
		path = "dump.toml"
	}
	return &tomlStore{path: path, now: time.Now}
}

// Load reads all records. A missing file is an empty dump.
func (s *tomlStore) Load() ([]supervisor.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dump file: %w", err)
	}

	var d dump
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse dump file: %w", err)
	}
	if d.Version > DumpVersion {
		return nil, fmt.Errorf("dump file version %d is newer than supported version %d", d.Version, DumpVersion)
	}

	names := make([]string, 0, len(d.Apps))
	for name := range d.Apps {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]supervisor.Record, 0, len(names))
	for _, name := range names {
		rec, err := d.Apps[name].record(name)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save replaces the dump file with records. The new content is written to
// a temporary file in the same directory, synced and renamed over the old
// file, so a failed save leaves the previous dump intact.
func (s *tomlStore) Save(records []supervisor.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := dump{
		Version: DumpVersion,
		SavedAt: s.now().UTC().Truncate(time.Second),
		Apps:    make(map[string]appDump, len(records)),
	}
	for _, rec := range records {
		d.Apps[rec.Name] = fromRecord(rec)
	}

	data, err := toml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal dump: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set dump permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace dump file: %w", err)
	}
	committed = true

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func fromRecord(rec supervisor.Record) appDump {
	spec, policy, st := rec.Spec, rec.Policy, rec.State
	a := appDump{
		Script:       spec.Script,
		Args:         spec.Args,
		Cwd:          spec.WorkingDir,
		Interpreter:  spec.Interpreter,
		ExecMode:     string(spec.ExecMode),
		Watch:        spec.WatchFilesystem,
		Time:         spec.TimestampLogging,
		KillTimeout:  spec.KillTimeout.Milliseconds(),
		StopSignal:   process.SignalName(spec.StopSignal),
		Env:          spec.Env,
		AutoRestart:  policy.AutoRestart,
		MaxRestarts:  policy.MaxRestarts,
		RestartDelay: policy.RestartDelay.Milliseconds(),
		MinUptime:    policy.MinUptime.Milliseconds(),
		Wanted:       rec.Wanted,
		State: stateDump{
			Status:           string(st.Status),
			RestartCount:     st.RestartCount,
			PID:              st.PID,
			UptimeAtLastExit: st.UptimeAtLastExit.Milliseconds(),
			Reason:           st.Reason,
			LastError:        st.LastError,
		},
	}
	if !st.LastLaunchTime.IsZero() {
		a.State.LastLaunchTime = st.LastLaunchTime.UTC()
	}
	if st.LastExit != nil {
		a.State.LastExit = &exitDump{
			ExitCode: st.LastExit.ExitCode,
			Signal:   st.LastExit.Signal,
			Time:     st.LastExit.Time.UTC(),
			Class:    string(st.LastExit.Class),
		}
	}
	return a
}

func (a appDump) record(name string) (supervisor.Record, error) {
	sig, err := process.ParseSignal(a.StopSignal)
	if err != nil {
		return supervisor.Record{}, err
	}

	rec := supervisor.Record{
		Name: name,
		Spec: supervisor.ProcessSpec{
			Script:           a.Script,
			Args:             a.Args,
			WorkingDir:       a.Cwd,
			Interpreter:      a.Interpreter,
			Env:              a.Env,
			ExecMode:         supervisor.ExecMode(a.ExecMode),
			WatchFilesystem:  a.Watch,
			TimestampLogging: a.Time,
			KillTimeout:      time.Duration(a.KillTimeout) * time.Millisecond,
			StopSignal:       sig,
		},
		Policy: supervisor.RestartPolicy{
			AutoRestart:  a.AutoRestart,
			MaxRestarts:  a.MaxRestarts,
			RestartDelay: time.Duration(a.RestartDelay) * time.Millisecond,
			MinUptime:    time.Duration(a.MinUptime) * time.Millisecond,
		},
		State: supervisor.State{
			Status:           supervisor.Status(a.State.Status),
			RestartCount:     a.State.RestartCount,
			PID:              a.State.PID,
			UptimeAtLastExit: time.Duration(a.State.UptimeAtLastExit) * time.Millisecond,
			Reason:           a.State.Reason,
			LastError:        a.State.LastError,
		},
		Wanted: a.Wanted,
	}
	if !a.State.LastLaunchTime.IsZero() {
		rec.State.LastLaunchTime = a.State.LastLaunchTime
	}
	if e := a.State.LastExit; e != nil {
		rec.State.LastExit = &supervisor.ExitInfo{
			ExitCode: e.ExitCode,
			Signal:   e.Signal,
			Time:     e.Time,
			Class:    supervisor.ExitClass(e.Class),
		}
	}
	return rec, nil
}
