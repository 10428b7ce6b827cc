package logging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// LogCallback receives every buffered entry, after its seq is assigned.
// main uses it to publish entries on the event bus, which logging cannot
// import.
type LogCallback func(entry LogEntry)

// BufferHandler feeds the shared ring buffer and the LogCallback. The
// buffer is looked up per record, so loggers made before Initialize start
// buffering once it runs.
type BufferHandler struct {
	level slog.Leveler
	scope attrScope
}

// NewBufferHandler creates a buffer handler gated by level.
func NewBufferHandler(level slog.Leveler) *BufferHandler {
	return &BufferHandler{level: level}
}

func (h *BufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return enabled(h.level, level)
}

func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	mutex.RLock()
	buffer, callback := logBuffer, logCallback
	mutex.RUnlock()
	if buffer == nil && callback == nil {
		return nil
	}

	e := h.toEntry(r)
	if buffer != nil {
		e = buffer.Write(e)
	}
	if callback != nil {
		callback(e)
	}
	return nil
}

// toEntry lifts top-level module and app attributes into their fields and
// flattens the rest.
func (h *BufferHandler) toEntry(r slog.Record) LogEntry {
	e := LogEntry{
		Timestamp: r.Time,
		Level:     levelName(r.Level),
		Module:    "main",
		Message:   r.Message,
	}
	attrs := make(map[string]any)
	h.scope.each(r, func(groups []string, a slog.Attr) {
		if len(groups) == 0 && a.Key == "module" {
			e.Module = a.Value.String()
		} else if len(groups) == 0 && a.Key == "app" {
			e.App = a.Value.String()
		} else {
			flattenAttr(attrs, groups, a)
		}
	})
	if len(attrs) > 0 {
		e.Attributes = attrs
	}
	return e
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferHandler{level: h.level, scope: h.scope.withAttrs(attrs)}
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &BufferHandler{level: h.level, scope: h.scope.withGroup(name)}
}

// levelName buckets custom levels into the four names the logs API uses.
func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	}
	return "debug"
}

// FormatLogLine renders e as one line:
//
//	<time> [LEVEL] [module/app] message key=value ...
//
// with attributes sorted by key.
func FormatLogLine(e LogEntry) string {
	source := e.Module
	if e.App != "" {
		source += "/" + e.App
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s",
		e.Timestamp.Format(time.RFC3339Nano), strings.ToUpper(e.Level), source, e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Attributes[k])
	}
	return b.String()
}
