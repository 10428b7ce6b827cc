package supervisor

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/smazurov/warden/internal/process"
)

// Status is the lifecycle status of a supervised app.
type Status string

// Supervisor statuses.
const (
	StatusStopped          Status = "stopped"            // Not running, no relaunch pending
	StatusLaunching        Status = "launching"          // Spawn in progress
	StatusRunning          Status = "running"            // Child alive
	StatusStopping         Status = "stopping"           // Stop signal sent, waiting for exit
	StatusCrashed          Status = "crashed"            // Unexpected exit, restart decision pending
	StatusErrored          Status = "errored"            // Restart budget exhausted
	StatusWaitingToRestart Status = "waiting_to_restart" // Relaunch scheduled after restart delay
)

// ExecMode selects how the child is started. Both modes run exactly one
// instance; cluster is accepted for compatibility with existing app files.
type ExecMode string

// Execution modes.
const (
	ExecModeFork    ExecMode = "fork"
	ExecModeCluster ExecMode = "cluster"
)

// ExitClass is the advisory classification of an unexpected exit.
type ExitClass string

// Exit classes.
const (
	// ExitClassCrashed marks an exit before min uptime elapsed (crash-loop candidate).
	ExitClassCrashed ExitClass = "crashed"
	// ExitClassErrored marks an ordinary failed exit.
	ExitClassErrored ExitClass = "errored"
)

// Defaults applied when an app definition leaves a field unset.
const (
	DefaultKillTimeout = 1600 * time.Millisecond
	DefaultStopSignal  = syscall.SIGINT
)

// ProcessSpec is the immutable launch descriptor of an app.
type ProcessSpec struct {
	Script           string            `json:"script" doc:"Executable or command line"`
	Args             []string          `json:"args,omitempty" doc:"Extra arguments"`
	WorkingDir       string            `json:"cwd" doc:"Working directory"`
	Interpreter      string            `json:"interpreter,omitempty" doc:"Interpreter used to run the script"`
	Env              map[string]string `json:"env,omitempty" doc:"Environment variables merged over the supervisor environment"`
	ExecMode         ExecMode          `json:"exec_mode" enum:"fork,cluster" doc:"Execution mode"`
	WatchFilesystem  bool              `json:"watch" doc:"Restart when files under the working directory change"`
	TimestampLogging bool              `json:"time" doc:"Timestamp child output"`
	KillTimeout      time.Duration     `json:"kill_timeout" doc:"Grace period before SIGKILL"`
	StopSignal       syscall.Signal    `json:"-"`
}

// Command returns the process command for this spec.
func (s ProcessSpec) Command(name string) process.Command {
	return process.Command{
		Name:        name,
		Script:      s.Script,
		Args:        s.Args,
		Dir:         s.WorkingDir,
		Env:         s.Env,
		Interpreter: s.Interpreter,
		Timestamps:  s.TimestampLogging,
	}
}

func (s ProcessSpec) killTimeout() time.Duration {
	if s.KillTimeout <= 0 {
		return DefaultKillTimeout
	}
	return s.KillTimeout
}

func (s ProcessSpec) stopSignal() syscall.Signal {
	if s.StopSignal == 0 {
		return DefaultStopSignal
	}
	return s.StopSignal
}

// Validate checks the spec for values that can never launch.
func (s ProcessSpec) Validate() error {
	var errs []error
	if s.Script == "" {
		errs = append(errs, errors.New("script is required"))
	}
	switch s.ExecMode {
	case "", ExecModeFork, ExecModeCluster:
	default:
		errs = append(errs, fmt.Errorf("unknown exec mode %q", s.ExecMode))
	}
	if s.KillTimeout < 0 {
		errs = append(errs, errors.New("kill timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// RestartPolicy is the immutable restart configuration of an app.
type RestartPolicy struct {
	AutoRestart  bool          `json:"autorestart" doc:"Restart after unexpected exits"`
	MaxRestarts  int           `json:"max_restarts" minimum:"0" doc:"Restart budget"`
	RestartDelay time.Duration `json:"restart_delay" doc:"Delay before each relaunch"`
	MinUptime    time.Duration `json:"min_uptime" doc:"Uptime below which an exit is a crash-loop candidate"`
}

// Validate rejects negative counts and durations.
func (p RestartPolicy) Validate() error {
	var errs []error
	if p.MaxRestarts < 0 {
		errs = append(errs, errors.New("max restarts must not be negative"))
	}
	if p.RestartDelay < 0 {
		errs = append(errs, errors.New("restart delay must not be negative"))
	}
	if p.MinUptime < 0 {
		errs = append(errs, errors.New("min uptime must not be negative"))
	}
	return errors.Join(errs...)
}

// Definition is everything needed to construct a Supervisor for one app.
type Definition struct {
	Spec   ProcessSpec
	Policy RestartPolicy
}

// Validate validates both the spec and the policy.
func (d Definition) Validate() error {
	return errors.Join(d.Spec.Validate(), d.Policy.Validate())
}

// ExitInfo records one child termination.
type ExitInfo struct {
	ExitCode int       `json:"exit_code" doc:"Exit code, 128+n when killed by signal n, -1 when unknown"`
	Signal   string    `json:"signal,omitempty" doc:"Terminating signal"`
	Time     time.Time `json:"time" doc:"Time of exit"`
	Class    ExitClass `json:"class" doc:"crashed or errored"`
}

// State is a snapshot of an app's run-time state.
type State struct {
	Status           Status        `json:"status"`
	RestartCount     int           `json:"restart_count"`
	PID              int           `json:"pid,omitempty"`
	LastLaunchTime   time.Time     `json:"last_launch_time,omitzero"`
	LastExit         *ExitInfo     `json:"last_exit,omitempty"`
	UptimeAtLastExit time.Duration `json:"uptime_at_last_exit"`
	Reason           string        `json:"reason,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

func (s State) clone() State {
	if s.LastExit != nil {
		exit := *s.LastExit
		s.LastExit = &exit
	}
	return s
}

// wanted reports whether the app is intended to be running in this status.
func (s Status) wanted() bool {
	switch s {
	case StatusLaunching, StatusRunning, StatusCrashed, StatusWaitingToRestart:
		return true
	}
	return false
}
