package events

// Event type constants for kelindar/event.
const (
	TypeAppLaunched uint32 = iota + 1
	TypeAppExited
	TypeAppStateChanged
	TypeAppErrored
	TypePersistenceFailed
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// AppLaunchedEvent is published when a child process is running.
type AppLaunchedEvent struct {
	App          string `json:"app" example:"qoo-bridge" doc:"Application name"`
	PID          int    `json:"pid" example:"4242" doc:"Process ID of the child"`
	RestartCount int    `json:"restart_count" example:"0" doc:"Restarts consumed from the budget"`
	Attached     bool   `json:"attached" example:"false" doc:"Whether an existing process was re-attached instead of launched"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for AppLaunchedEvent.
func (e AppLaunchedEvent) Type() uint32 { return TypeAppLaunched }

// AppExitedEvent is published for every unexpected child exit.
type AppExitedEvent struct {
	App       string `json:"app" example:"qoo-bridge" doc:"Application name"`
	PID       int    `json:"pid" example:"4242" doc:"Process ID of the exited child"`
	ExitCode  int    `json:"exit_code" example:"1" doc:"Exit code, 128+n when killed by signal n, -1 when unknown"`
	Signal    string `json:"signal,omitempty" example:"SIGKILL" doc:"Terminating signal, if any"`
	UptimeMs  int64  `json:"uptime_ms" example:"200" doc:"Time between launch and exit in milliseconds"`
	Class     string `json:"class" example:"crashed" doc:"crashed when uptime was below min_uptime, otherwise errored"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for AppExitedEvent.
func (e AppExitedEvent) Type() uint32 { return TypeAppExited }

// AppStateChangedEvent is published on every status transition.
type AppStateChangedEvent struct {
	App          string `json:"app" example:"qoo-bridge" doc:"Application name"`
	From         string `json:"from" example:"running" doc:"Previous status"`
	To           string `json:"to" example:"waiting_to_restart" doc:"New status"`
	Reason       string `json:"reason" example:"exited with code 1" doc:"Transition reason"`
	RestartCount int    `json:"restart_count" example:"1" doc:"Restarts consumed from the budget"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for AppStateChangedEvent.
func (e AppStateChangedEvent) Type() uint32 { return TypeAppStateChanged }

// AppErroredEvent is the fatal notification sent when the restart budget
// is exhausted. The app stays errored until its budget is reset.
type AppErroredEvent struct {
	App          string `json:"app" example:"qoo-bridge" doc:"Application name"`
	RestartCount int    `json:"restart_count" example:"20" doc:"Restarts consumed from the budget"`
	MaxRestarts  int    `json:"max_restarts" example:"20" doc:"Configured restart budget"`
	Message      string `json:"message" example:"restart budget exhausted" doc:"Operator message"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for AppErroredEvent.
func (e AppErroredEvent) Type() uint32 { return TypeAppErrored }

// PersistenceFailedEvent is published when the dump file cannot be written.
type PersistenceFailedEvent struct {
	Attempts  int    `json:"attempts" example:"3" doc:"Write attempts made"`
	Error     string `json:"error" example:"permission denied" doc:"Last error"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PersistenceFailedEvent.
func (e PersistenceFailedEvent) Type() uint32 { return TypePersistenceFailed }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"1042" doc:"Position in the log buffer"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Source module"`
	App        string         `json:"app,omitempty" example:"qoo-bridge" doc:"Application the entry belongs to, if any"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
