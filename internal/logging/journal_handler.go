package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal record, for journalctl -t.
const SyslogIdentifier = "warden"

// JournalHandler is a slog.Handler that sends records to the systemd journal.
// Attributes become journal fields: group.key is sent as GROUP_KEY.
type JournalHandler struct {
	level slog.Leveler
	scope attrScope
}

// NewJournalHandler creates a journal handler gated by level.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level}
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return enabled(h.level, level)
}

// Handle implements slog.Handler.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	return journal.Send(r.Message, journalPriority(r.Level), h.fields(r))
}

func (h *JournalHandler) fields(r slog.Record) map[string]string {
	flat := make(map[string]any)
	h.scope.each(r, func(groups []string, a slog.Attr) {
		flattenAttr(flat, groups, a)
	})

	fields := make(map[string]string, len(flat)+1)
	for key, value := range flat {
		if name := journalField(key); name != "" {
			fields[name] = fmt.Sprint(value)
		}
	}
	fields["SYSLOG_IDENTIFIER"] = SyslogIdentifier
	return fields
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &JournalHandler{level: h.level, scope: h.scope.withAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{level: h.level, scope: h.scope.withGroup(name)}
}

// journalField turns a flattened attribute key into a journal field name:
// uppercase ASCII letters, digits and underscores, not starting with an
// underscore (those are reserved for journald).
func journalField(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	name = strings.TrimLeft(name, "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "F_" + name
	}
	return name
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// IsJournalAvailable reports whether journald accepts native records.
func IsJournalAvailable() bool {
	return journal.Enabled()
}

// stdoutIsJournal reports whether stdout is already connected to journald,
// as it is for systemd services by default.
func stdoutIsJournal() bool {
	ok, err := journal.StdoutIsJournalStream()
	return err == nil && ok
}
