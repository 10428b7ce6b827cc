package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDrainTimeout is how long output is still read after a child exits.
const DefaultDrainTimeout = 2 * time.Second

// Command describes how to start one child process.
type Command struct {
	Name        string            // app name, used for logging
	Script      string            // executable or command line
	Args        []string          // extra arguments appended after the script
	Dir         string            // working directory
	Env         map[string]string // merged over the supervisor environment
	Interpreter string            // empty or "none" runs the script directly
	Timestamps  bool              // prefix child output with a timestamp
}

// Exit describes how a child terminated.
type Exit struct {
	Code   int
	Signal string // e.g. "SIGKILL" when terminated by a signal
	Err    error
}

// Handle is a live child process owned by a single caller.
type Handle interface {
	PID() int
	// Done delivers exactly one Exit when the child terminates.
	Done() <-chan Exit
	// Signal delivers sig to the child's process group.
	Signal(sig os.Signal) error
	Kill() error
}

// OutputLoggerFunc returns the logger that receives a child's output lines.
type OutputLoggerFunc func(name string, timestamps bool) *slog.Logger

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

// Spawner starts child processes and re-attaches to existing ones.
type Spawner struct {
	Logger       *slog.Logger
	OutputLogger OutputLoggerFunc // nil logs output through Logger
	LogParser    LogParser        // nil logs every line at info
	PollInterval time.Duration    // liveness poll for attached processes
	DrainTimeout time.Duration    // output read after exit, 0 means DefaultDrainTimeout

	// OutputDir, when set, appends child output to <OutputDir>/<name>.log
	// instead of piping it into the output logger. Children then keep
	// running without a broken pipe if the supervisor exits.
	OutputDir string
}

// NewSpawner creates a Spawner with default settings.
func NewSpawner(logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		Logger:       logger,
		LogParser:    ParseLevel,
		PollInterval: DefaultPollInterval,
	}
}

// child is a Handle for a process started by this Spawner.
type child struct {
	pid  int
	cmd  *exec.Cmd
	done chan Exit
}

func (c *child) PID() int          { return c.pid }
func (c *child) Done() <-chan Exit { return c.done }
func (c *child) Kill() error       { return signalGroup(c.pid, syscall.SIGKILL) }

func (c *child) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return c.cmd.Process.Signal(sig)
	}
	return signalGroup(c.pid, s)
}

// Launch starts cmd in its own process group and returns once the child is
// running. Output is streamed to the output logger until the child exits.
func (s *Spawner) Launch(c Command) (Handle, error) {
	argv, err := c.argv()
	if err != nil {
		return nil, err
	}

	if c.Dir != "" {
		info, statErr := os.Stat(c.Dir)
		if statErr != nil {
			return nil, fmt.Errorf("working directory: %w", statErr)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %s is not a directory", c.Dir)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.OutputDir != "" {
		return s.launchToFile(c, cmd, argv)
	}

	// The write ends go to the child only. cmd.Wait then returns when the
	// child exits even if a grandchild still holds the pipes open.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdout, stderr)
		s.Logger.Error("Failed to start process", "app", c.Name, "error", startErr, "argv", argv)
		return nil, startErr
	}

	h := &child{pid: cmd.Process.Pid, cmd: cmd, done: make(chan Exit, 1)}
	s.Logger.Info("Process started", "app", c.Name, "pid", h.pid, "argv", argv, "dir", c.Dir)

	out := s.outputLogger(c)
	drained := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamOutput(out, stdout, "stdout")
	}()
	go func() {
		defer wg.Done()
		s.streamOutput(out, stderr, "stderr")
	}()
	go func() {
		wg.Wait()
		close(drained)
	}()

	s.wait(c, h, func() {
		s.drainOutput(c, drained, stdout, stderr)
	})
	return h, nil
}

// drainOutput gives the output readers DrainTimeout to reach EOF after the
// child exited, then closes the pipes. Background jobs of the child that
// still write then get EPIPE.
func (s *Spawner) drainOutput(c Command, drained <-chan struct{}, pipes ...*os.File) {
	timeout := s.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		s.Logger.Debug("Output still open after exit, closing", "app", c.Name, "timeout", timeout)
	}
	closeAll(pipes...)
	<-drained
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// launchToFile starts cmd with stdout and stderr appended to the app's log file.
func (s *Spawner) launchToFile(c Command, cmd *exec.Cmd, argv []string) (Handle, error) {
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(s.OutputDir, c.Name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		s.Logger.Error("Failed to start process", "app", c.Name, "error", err, "argv", argv)
		return nil, err
	}

	h := &child{pid: cmd.Process.Pid, cmd: cmd, done: make(chan Exit, 1)}
	s.Logger.Info("Process started", "app", c.Name, "pid", h.pid, "argv", argv, "dir", c.Dir, "output", path)
	s.wait(c, h, nil)
	return h, nil
}

// wait reaps the child, delivers its Exit and then runs after, if set.
func (s *Spawner) wait(c Command, h *child, after func()) {
	go func() {
		ex := exitFromError(h.cmd.Wait())
		s.Logger.Info("Process exited", "app", c.Name, "pid", h.pid, "exit_code", ex.Code, "signal", ex.Signal)
		h.done <- ex
		close(h.done)
		if after != nil {
			after()
		}
	}()
}

func (s *Spawner) outputLogger(c Command) *slog.Logger {
	if s.OutputLogger != nil {
		return s.OutputLogger(c.Name, c.Timestamps)
	}
	return s.Logger.With("app", c.Name)
}

// argv resolves the argument vector, prefixing the interpreter when set.
func (c Command) argv() ([]string, error) {
	script, err := parseCommand(c.Script)
	if err != nil {
		return nil, err
	}
	if len(script) == 0 {
		return nil, errors.New("empty command")
	}
	args := append(script, c.Args...)

	if c.Interpreter == "" || c.Interpreter == "none" {
		return args, nil
	}
	interp, err := parseCommand(c.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("interpreter: %w", err)
	}
	return append(interp, args...), nil
}

// environ returns the supervisor environment with c.Env applied on top.
func (c Command) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// exitFromError converts the result of cmd.Wait into an Exit.
// A child killed by signal n reports code 128+n, as a shell would.
func exitFromError(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Exit{Code: 128 + int(ws.Signal()), Signal: unix.SignalName(ws.Signal()), Err: err}
		}
		return Exit{Code: exitErr.ExitCode(), Err: err}
	}
	return Exit{Code: 1, Err: err}
}

// signalGroup signals the whole process group, falling back to the single
// process when the group no longer exists.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// streamOutput forwards each output line to logger at the parsed level.
func (s *Spawner) streamOutput(logger *slog.Logger, reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := "info", line
		if s.LogParser != nil {
			level, msg = s.LogParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "source", source)
		case "warning", "warn":
			logger.Warn(msg, "source", source)
		case "debug", "trace":
			logger.Debug(msg, "source", source)
		default:
			logger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.Logger.Warn("Error reading output", "source", source, "error", err)
	}
}

// parseCommand parses a command string into arguments
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	runes := []rune(strings.TrimSpace(command))

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t') && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, errors.New("unclosed quote in command")
	}

	return args, nil
}
