package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const defaultBufferSize = 1000

// OutputModule is the module name attached to captured child output.
const OutputModule = "output"

// moduleLog is the cached logger of one module and the level it reads.
// Initialize adjusts level in place, so handlers taken from an early logger
// follow the configured level too.
type moduleLog struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var (
	mutex       sync.RWMutex
	modules     = make(map[string]moduleLog)
	configured  *Config // nil until Initialize
	logBuffer   *RingBuffer
	logCallback LogCallback
)

// Config represents logging configuration.
type Config struct {
	Level      string            `toml:"level"`
	Format     string            `toml:"format"`
	BufferSize int               `toml:"buffer_size"`
	Modules    map[string]string `toml:"modules"`
}

// Initialize applies config to every module logger, existing or future, and
// starts a fresh log buffer.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	configured = &config
	size := config.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	logBuffer = NewRingBuffer(size)

	for name, m := range modules {
		m.level.Set(moduleLevel(name))
		m.logger = newModuleLogger(name, m.level)
		modules[name] = m
	}

	def := &slog.LevelVar{}
	def.Set(levelOrDefault(config.Level, slog.LevelInfo))
	slog.SetDefault(slog.New(createHandler(config.Format, def, true)))
}

// GetBuffer returns the log ring buffer, nil before Initialize.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback registers the function called with every buffered entry.
// nil removes it.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

// GetLogger returns the logger of module, creating it on first use. Its
// records carry module=<module>.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	m, ok := modules[module]
	mutex.RUnlock()
	if ok {
		return m.logger
	}
	return moduleEntry(module).logger
}

// moduleEntry returns the cached module, creating it under the write lock.
func moduleEntry(module string) moduleLog {
	mutex.Lock()
	defer mutex.Unlock()
	if m, ok := modules[module]; ok {
		return m
	}
	level := &slog.LevelVar{}
	level.Set(moduleLevel(module))
	m := moduleLog{logger: newModuleLogger(module, level), level: level}
	modules[module] = m
	return m
}

// newModuleLogger builds a logger for module. Callers hold mutex.
func newModuleLogger(module string, level slog.Leveler) *slog.Logger {
	return slog.New(createHandler(currentFormat(), level, true)).With("module", module)
}

// GetOutputLogger returns the logger that records output lines of one
// supervised app. Records carry module=output and app=<name>. With
// timestamps off the stdout copy omits the time key; the buffer and the
// journal always keep the record time.
func GetOutputLogger(app string, timestamps bool) *slog.Logger {
	m := moduleEntry(OutputModule)
	mutex.RLock()
	format := currentFormat()
	mutex.RUnlock()
	return slog.New(createHandler(format, m.level, timestamps)).With("module", OutputModule, "app", app)
}

// moduleLevel resolves the configured level for module. Callers hold mutex.
func moduleLevel(module string) slog.Level {
	if configured == nil {
		return slog.LevelInfo
	}
	level := levelOrDefault(configured.Level, slog.LevelInfo)
	if name, ok := configured.Modules[module]; ok {
		level = levelOrDefault(name, level)
	}
	return level
}

func currentFormat() string {
	if configured == nil {
		return "text"
	}
	return configured.Format
}

// createHandler creates a slog handler with the specified format and level.
// Logs to stdout, journal (when available), and ring buffer for SSE streaming.
func createHandler(format string, level slog.Leveler, timestamps bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if !timestamps {
		opts.ReplaceAttr = dropTime
	}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	var handlers []slog.Handler
	journald := IsJournalAvailable()
	// Under systemd the journal handler replaces stdout so records keep
	// their fields and are not stored twice.
	if isStdoutAvailable() && !(journald && stdoutIsJournal()) {
		handlers = append(handlers, stdoutHandler)
	}
	if journald {
		handlers = append(handlers, NewJournalHandler(level))
	}
	// The buffer handler resolves the global buffer on every record.
	handlers = append(handlers, NewBufferHandler(level))

	if len(handlers) == 1 {
		return handlers[0]
	}
	return fanout(handlers)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// isStdoutAvailable reports whether stdout goes somewhere worth writing:
// a terminal, pipe, socket or regular file, but not /dev/null.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	if mode&os.ModeCharDevice != 0 {
		return isTerminal(os.Stdout)
	}
	return mode&(os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

func levelOrDefault(level string, def slog.Level) slog.Level {
	if parsed, ok := parseLevel(level); ok {
		return parsed
	}
	return def
}

// parseLevel accepts debug, info, warn (or warning) and error in any case.
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// enabled reports whether level passes leveler, treating nil as info.
func enabled(leveler slog.Leveler, level slog.Level) bool {
	threshold := slog.LevelInfo
	if leveler != nil {
		threshold = leveler.Level()
	}
	return level >= threshold
}
