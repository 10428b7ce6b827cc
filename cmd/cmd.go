// Package cmd holds warden's subcommands.
package cmd

import (
	"github.com/smazurov/warden/internal/logging"
	"github.com/smazurov/warden/internal/process"
)

// NewSpawner returns a process spawner that logs child output per app. A
// non-empty outputDir writes child output to <outputDir>/<app>.log instead.
func NewSpawner(outputDir string) *process.Spawner {
	spawner := process.NewSpawner(logging.GetLogger("process"))
	spawner.OutputLogger = logging.GetOutputLogger
	spawner.OutputDir = outputDir
	return spawner
}

func initLogging(level string, logJSON bool) {
	cfg := logging.Config{
		Level:  level,
		Format: "text",
	}
	if logJSON {
		cfg.Format = "json"
	}
	logging.Initialize(cfg)
}
