package models

import (
	"time"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Apps    int    `json:"apps" example:"3" doc:"Number of supervised apps"`
	Running int    `json:"running" example:"2" doc:"Apps with a live child"`
	Errored int    `json:"errored" example:"1" doc:"Apps that exhausted their restart budget"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	Modified  bool   `json:"modified" doc:"Built from a tree with uncommitted changes"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go version used for build"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// App models
type ExitData struct {
	ExitCode int       `json:"exit_code" example:"1" doc:"Exit code, 128+n when killed by signal n, -1 when unknown"`
	Signal   string    `json:"signal,omitempty" example:"SIGKILL" doc:"Terminating signal"`
	Time     time.Time `json:"time" doc:"Time of exit"`
	Class    string    `json:"class" example:"crashed" enum:"crashed,errored" doc:"Exit classification"`
}

type AppData struct {
	Name             string            `json:"name" example:"qoo-bridge" doc:"Application name"`
	Status           string            `json:"status" example:"running" doc:"Lifecycle status"`
	Wanted           bool              `json:"wanted" example:"true" doc:"Whether the app is intended to be running"`
	PID              int               `json:"pid,omitempty" example:"4242" doc:"Process ID of the running child"`
	RestartCount     int               `json:"restart_count" example:"1" doc:"Restarts consumed from the budget"`
	MaxRestarts      int               `json:"max_restarts" example:"20" doc:"Restart budget"`
	AutoRestart      bool              `json:"autorestart" example:"true" doc:"Restart after unexpected exits"`
	RestartDelayMs   int64             `json:"restart_delay_ms" example:"5000" doc:"Delay before each relaunch in milliseconds"`
	MinUptimeMs      int64             `json:"min_uptime_ms" example:"5000" doc:"Uptime below which an exit is crash-tagged, in milliseconds"`
	UptimeMs         int64             `json:"uptime_ms,omitempty" example:"120000" doc:"Current uptime in milliseconds while running"`
	LastLaunchTime   *time.Time        `json:"last_launch_time,omitempty" doc:"Time of the last launch"`
	LastExit         *ExitData         `json:"last_exit,omitempty" doc:"Most recent unexpected exit"`
	UptimeAtLastExit int64             `json:"uptime_at_last_exit_ms" example:"200" doc:"Uptime of the previous run in milliseconds"`
	Reason           string            `json:"reason,omitempty" example:"launched" doc:"Reason for the last transition"`
	LastError        string            `json:"last_error,omitempty" doc:"Last launch error"`
	Script           string            `json:"script" example:"./run.sh" doc:"Executable or command line"`
	Args             []string          `json:"args,omitempty" doc:"Extra arguments"`
	Cwd              string            `json:"cwd" example:"/srv/qoo-bridge" doc:"Working directory"`
	Interpreter      string            `json:"interpreter,omitempty" example:"/bin/bash" doc:"Interpreter"`
	ExecMode         string            `json:"exec_mode" example:"fork" doc:"Execution mode"`
	Watch            bool              `json:"watch" example:"false" doc:"Restart on file changes"`
	Env              map[string]string `json:"env,omitempty" doc:"Environment overrides"`
	Launches         int               `json:"launches" example:"3" doc:"Launches since warden started"`
	Crashes          int               `json:"crashes" example:"1" doc:"Crash-tagged exits since warden started"`
}

type AppListData struct {
	Apps  []AppData `json:"apps" doc:"Supervised apps sorted by name"`
	Count int       `json:"count" example:"2" doc:"Number of apps"`
}

type AppListResponse struct {
	Body AppListData
}

type AppResponse struct {
	Body AppData
}

type AppPathInput struct {
	Name string `path:"name" example:"qoo-bridge" doc:"Application name"`
}

// Save models
type SaveData struct {
	Saved   int    `json:"saved" example:"3" doc:"Number of apps written to the dump"`
	Message string `json:"message" example:"Dump saved" doc:"Status message"`
}

type SaveResponse struct {
	Body SaveData
}

// Log models
type LogEntryData struct {
	Seq        uint64         `json:"seq" example:"1042" doc:"Position in the log buffer, usable as the after cursor"`
	Timestamp  time.Time      `json:"timestamp" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"output" doc:"Source module"`
	App        string         `json:"app,omitempty" example:"qoo-bridge" doc:"Application the entry belongs to"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
	Line       string         `json:"line" doc:"Formatted log line"`
}

type LogsInput struct {
	App   string `query:"app" example:"qoo-bridge" doc:"Only entries of this app"`
	After uint64 `query:"after" example:"1000" doc:"Only entries with a larger seq"`
	Limit int    `query:"limit" minimum:"0" example:"100" doc:"Only the newest entries, 0 for all buffered"`
}

type LogStreamInput struct {
	App         string `query:"app" example:"qoo-bridge" doc:"Only entries of this app"`
	LastEventID uint64 `header:"Last-Event-ID" doc:"Resume after this seq instead of replaying the whole buffer"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Log entries, oldest first"`
	Count   int            `json:"count" example:"100" doc:"Number of entries"`
	LastSeq uint64         `json:"last_seq" example:"1042" doc:"Seq of the newest buffered entry, for polling with after"`
}

type LogsResponse struct {
	Body LogsData
}
