package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/google/go-cmp/cmp"
)

func TestModuleLevels(t *testing.T) {
	resetLogging(t)
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"supervisor": "debug",
			"api":        "warn",
			"store":      "bogus",
		},
	})

	tests := []struct {
		module string
		want   slog.Level
	}{
		{"supervisor", slog.LevelDebug},
		{"api", slog.LevelWarn},
		{"store", slog.LevelInfo},
		{"other", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()
			if !handler.Enabled(ctx, tt.want) {
				t.Errorf("%s: level %v should be enabled", tt.module, tt.want)
			}
			if handler.Enabled(ctx, tt.want-1) {
				t.Errorf("%s: level below %v should be disabled", tt.module, tt.want)
			}
		})
	}
}

func TestGetLoggerCachesPerModule(t *testing.T) {
	resetLogging(t)
	if GetLogger("process") != GetLogger("process") {
		t.Error("expected the same logger for repeated calls")
	}
	if GetLogger("process") == GetLogger("store") {
		t.Error("expected distinct loggers per module")
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetLogging(t)

	early := GetLogger("process").Handler()
	if early.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"process": "debug"}})

	if !GetLogger("process").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger after Initialize should have debug enabled")
	}
	// The early handler shares the module LevelVar.
	if !early.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("early logger should follow the configured module level")
	}
}

func TestFanout(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}
	logger := slog.New(h).With("module", "process").WithGroup("req")

	logger.Debug("probe")
	logger.Info("launched", "pid", 42)

	if strings.Count(debugBuf.String(), "probe") != 1 {
		t.Errorf("debug handler should get the debug record once: %s", debugBuf.String())
	}
	if strings.Contains(infoBuf.String(), "probe") {
		t.Errorf("info handler should skip debug records: %s", infoBuf.String())
	}
	for _, buf := range []*bytes.Buffer{&debugBuf, &infoBuf} {
		if !strings.Contains(buf.String(), "module=process") || !strings.Contains(buf.String(), "req.pid=42") {
			t.Errorf("expected attrs and group on every handler: %s", buf.String())
		}
	}
	if h.Enabled(context.Background(), slog.LevelDebug-1) {
		t.Error("fanout should be disabled below every handler's level")
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink closed") }

func TestFanoutJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	h := fanout{
		failingHandler{slog.NewTextHandler(&buf, nil)},
		slog.NewTextHandler(&buf, nil),
	}
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)
	err := h.Handle(context.Background(), r)
	if err == nil || !strings.Contains(err.Error(), "sink closed") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Error("remaining handlers should still receive the record")
	}
}

func TestAttrScope(t *testing.T) {
	var scope attrScope
	scope = scope.withAttrs([]slog.Attr{slog.String("module", "api")})
	scope = scope.withGroup("http")
	scope = scope.withAttrs([]slog.Attr{slog.Int("status", 200)})
	sibling := scope.withGroup("a")
	scope = scope.withGroup("b")

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
	r.AddAttrs(slog.String("path", "/api/apps"))

	got := make(map[string]any)
	scope.each(r, func(groups []string, a slog.Attr) {
		flattenAttr(got, groups, a)
	})
	want := map[string]any{
		"module":      "api",
		"http.status": int64(200),
		"http.b.path": "/api/apps",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flattened attrs mismatch (-want +got):\n%s", diff)
	}

	// Groups opened on a sibling scope must not leak.
	if diff := cmp.Diff([]string{"http", "a"}, sibling.groups); diff != "" {
		t.Errorf("sibling groups mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenAttrKinds(t *testing.T) {
	ts := time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC)
	got := make(map[string]any)
	for _, a := range []slog.Attr{
		slog.Time("at", ts),
		slog.Duration("uptime", 1500*time.Millisecond),
		slog.Any("error", errors.New("exit status 1")),
		slog.Group("", slog.Bool("inline", true)),
		slog.Group("empty"),
		{},
	} {
		flattenAttr(got, nil, a)
	}
	want := map[string]any{
		"at":     "2025-01-27T10:30:00Z",
		"uptime": "1.5s",
		"error":  "exit status 1",
		"inline": true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flattenAttr mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalFields(t *testing.T) {
	h := NewJournalHandler(slog.LevelInfo).
		WithAttrs([]slog.Attr{slog.String("module", "supervisor"), slog.String("app", "api")}).
		WithGroup("exit").(*JournalHandler)

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "App exited", 0)
	r.AddAttrs(slog.Int("code", 1), slog.String("signal", ""))

	want := map[string]string{
		"MODULE":            "supervisor",
		"APP":               "api",
		"EXIT_CODE":         "1",
		"EXIT_SIGNAL":       "",
		"SYSLOG_IDENTIFIER": SyslogIdentifier,
	}
	if diff := cmp.Diff(want, h.fields(r)); diff != "" {
		t.Errorf("journal fields mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalField(t *testing.T) {
	tests := map[string]string{
		"app":         "APP",
		"http.status": "HTTP_STATUS",
		"remote-addr": "REMOTE_ADDR",
		"_private":    "PRIVATE",
		"2xx":         "F_2XX",
		"___":         "",
		"a b":         "A_B",
	}
	for in, want := range tests {
		if got := journalField(in); got != want {
			t.Errorf("journalField(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJournalPriority(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  journal.Priority
	}{
		{slog.LevelDebug, journal.PriDebug},
		{slog.LevelInfo, journal.PriInfo},
		{slog.LevelWarn, journal.PriWarning},
		{slog.LevelError, journal.PriErr},
		{slog.LevelError + 4, journal.PriErr},
	}
	for _, tt := range tests {
		if got := journalPriority(tt.level); got != tt.want {
			t.Errorf("journalPriority(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestStdoutIsJournal(t *testing.T) {
	t.Setenv("JOURNAL_STREAM", "")
	if stdoutIsJournal() {
		t.Error("stdout cannot be the journal without JOURNAL_STREAM")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"Warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseLevel(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
	if got := levelOrDefault("nope", slog.LevelWarn); got != slog.LevelWarn {
		t.Errorf("levelOrDefault fallback = %v", got)
	}
}
