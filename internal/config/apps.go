package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/warden/internal/process"
	"github.com/smazurov/warden/internal/supervisor"
)

// Defaults for keys omitted from an app entry.
const (
	DefaultMaxRestarts = 16
	DefaultMinUptime   = 1000 * time.Millisecond
	DefaultExecMode    = supervisor.ExecModeFork
)

var appNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// AppConfig is one [apps.<name>] entry of the ecosystem file. Durations are
// integer milliseconds. Pointer fields distinguish omitted keys from zero.
type AppConfig struct {
	Script       string         `toml:"script"`
	Cwd          string         `toml:"cwd"`
	Interpreter  string         `toml:"interpreter"`
	ExecMode     string         `toml:"exec_mode"`
	AutoRestart  *bool          `toml:"autorestart"`
	Watch        bool           `toml:"watch"`
	MaxRestarts  *int           `toml:"max_restarts"`
	RestartDelay *int64         `toml:"restart_delay"`
	MinUptime    *int64         `toml:"min_uptime"`
	KillTimeout  *int64         `toml:"kill_timeout"`
	StopSignal   string         `toml:"stop_signal"`
	Time         bool           `toml:"time"`
	Args         []string       `toml:"args"`
	Env          map[string]any `toml:"env"`
}

// Ecosystem is a parsed and validated ecosystem file.
type Ecosystem struct {
	Path string
	Dir  string
	Apps map[string]AppConfig
}

// ValidationError describes one invalid value in the ecosystem file.
type ValidationError struct {
	App     string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("app %q: %s", e.App, e.Message)
	}
	return fmt.Sprintf("app %q: %s: %s", e.App, e.Field, e.Message)
}

// ValidationErrors collects every problem found in one file.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid ecosystem file: " + strings.Join(msgs, "; ")
}

// LoadEcosystem reads and validates an ecosystem file. Relative working
// directories are resolved against the file's directory. Validation
// problems are returned together as ValidationErrors.
func LoadEcosystem(path string) (*Ecosystem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ecosystem file: %w", err)
	}
	return ParseEcosystem(path, data)
}

// ParseEcosystem parses ecosystem file content as if read from path.
func ParseEcosystem(path string, data []byte) (*Ecosystem, error) {
	var raw struct {
		Apps map[string]AppConfig `toml:"apps"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ecosystem file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ecosystem path: %w", err)
	}
	eco := &Ecosystem{
		Path: abs,
		Dir:  filepath.Dir(abs),
		Apps: raw.Apps,
	}
	if eco.Apps == nil {
		eco.Apps = make(map[string]AppConfig)
	}

	if errs := eco.validate(); len(errs) > 0 {
		return nil, errs
	}
	return eco, nil
}

// Names returns the app names in sorted order.
func (e *Ecosystem) Names() []string {
	names := make([]string, 0, len(e.Apps))
	for name := range e.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition returns the supervisor definition for one app.
func (e *Ecosystem) Definition(name string) (supervisor.Definition, bool) {
	app, ok := e.Apps[name]
	if !ok {
		return supervisor.Definition{}, false
	}
	return app.definition(e.Dir), true
}

// Definitions returns the supervisor definitions of all apps.
func (e *Ecosystem) Definitions() map[string]supervisor.Definition {
	defs := make(map[string]supervisor.Definition, len(e.Apps))
	for name, app := range e.Apps {
		defs[name] = app.definition(e.Dir)
	}
	return defs
}

func (e *Ecosystem) validate() ValidationErrors {
	var errs ValidationErrors
	for _, name := range e.Names() {
		app := e.Apps[name]
		before := len(errs)
		add := func(field, format string, args ...any) {
			errs = append(errs, &ValidationError{App: name, Field: field, Message: fmt.Sprintf(format, args...)})
		}

		if !appNamePattern.MatchString(name) {
			add("", "invalid app name, use letters, digits, '.', '_' and '-'")
		}
		if strings.TrimSpace(app.Script) == "" {
			add("script", "is required")
		}
		switch supervisor.ExecMode(app.ExecMode) {
		case "", supervisor.ExecModeFork, supervisor.ExecModeCluster:
		default:
			add("exec_mode", "unknown mode %q, expected fork or cluster", app.ExecMode)
		}
		if app.MaxRestarts != nil && *app.MaxRestarts < 0 {
			add("max_restarts", "must not be negative")
		}
		for field, v := range map[string]*int64{
			"restart_delay": app.RestartDelay,
			"min_uptime":    app.MinUptime,
			"kill_timeout":  app.KillTimeout,
		} {
			if v != nil && *v < 0 {
				add(field, "must not be negative")
			}
		}
		if _, err := process.ParseSignal(app.StopSignal); err != nil {
			add("stop_signal", "%v", err)
		}

		if err := app.definition(e.Dir).Validate(); err != nil && len(errs) == before {
			add("", "%v", err)
		}
	}

	// Map iteration above makes field order random within one app.
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].App != errs[j].App {
			return errs[i].App < errs[j].App
		}
		return errs[i].Field < errs[j].Field
	})
	return errs
}

func (a AppConfig) definition(baseDir string) supervisor.Definition {
	cwd := a.Cwd
	switch {
	case cwd == "":
		cwd = baseDir
	case !filepath.IsAbs(cwd):
		cwd = filepath.Join(baseDir, cwd)
	}

	execMode := supervisor.ExecMode(a.ExecMode)
	if execMode == "" {
		execMode = DefaultExecMode
	}

	// Invalid signals are reported by validate.
	sig, _ := process.ParseSignal(a.StopSignal)

	var args []string
	if len(a.Args) > 0 {
		args = a.Args
	}

	var env map[string]string
	if len(a.Env) > 0 {
		env = make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			env[k] = fmt.Sprint(v)
		}
	}

	policy := supervisor.RestartPolicy{
		AutoRestart: true,
		MaxRestarts: DefaultMaxRestarts,
		MinUptime:   DefaultMinUptime,
	}
	if a.AutoRestart != nil {
		policy.AutoRestart = *a.AutoRestart
	}
	if a.MaxRestarts != nil {
		policy.MaxRestarts = *a.MaxRestarts
	}
	if a.RestartDelay != nil {
		policy.RestartDelay = millis(*a.RestartDelay)
	}
	if a.MinUptime != nil {
		policy.MinUptime = millis(*a.MinUptime)
	}

	killTimeout := supervisor.DefaultKillTimeout
	if a.KillTimeout != nil {
		killTimeout = millis(*a.KillTimeout)
	}

	return supervisor.Definition{
		Spec: supervisor.ProcessSpec{
			Script:           strings.TrimSpace(a.Script),
			Args:             args,
			WorkingDir:       cwd,
			Interpreter:      a.Interpreter,
			Env:              env,
			ExecMode:         execMode,
			WatchFilesystem:  a.Watch,
			TimestampLogging: a.Time,
			KillTimeout:      killTimeout,
			StopSignal:       sig,
		},
		Policy: policy,
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// IsValidationError reports whether err carries ecosystem validation problems.
func IsValidationError(err error) bool {
	var verrs ValidationErrors
	return errors.As(err, &verrs)
}
