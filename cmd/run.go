package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/warden/internal/config"
	"github.com/smazurov/warden/internal/events"
	"github.com/smazurov/warden/internal/logging"
	"github.com/smazurov/warden/internal/supervisor"
	"github.com/spf13/cobra"
)

// CreateRunCmd creates the run command.
func CreateRunCmd() *cobra.Command {
	var ecosystemFile string
	var logLevel string
	var logJSON bool
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [app]",
		Short: "Supervise one app in the foreground",
		Long: `Launches one app from the ecosystem file and supervises it in the foreground with its ` +
			`restart policy. Reloads the app when its ecosystem entry changes and exits when the app ` +
			`stops for good, exhausts its restart budget, or warden receives SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			initLogging(logLevel, logJSON)
			os.Exit(runApp(args[0], ecosystemFile, stopTimeout))
		},
	}

	cmd.Flags().StringVar(&ecosystemFile, "ecosystem", "ecosystem.toml", "Path to the ecosystem file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "How long to wait for the app to stop")

	return cmd
}

// runApp supervises name from ecosystemFile in the foreground and returns
// warden's exit code once everything it started is stopped.
func runApp(name, ecosystemFile string, stopTimeout time.Duration) int {
	logger := logging.GetLogger("run").With("app", name)
	logger.Info("Starting run command", "ecosystem", ecosystemFile)

	eco, err := config.LoadEcosystem(ecosystemFile)
	if err != nil {
		logger.Error("Failed to load ecosystem file", "error", err)
		return 1
	}
	def, ok := eco.Definition(name)
	if !ok {
		logger.Error("App not found in ecosystem file")
		return 1
	}

	bus := events.New()
	registry := supervisor.NewRegistry(supervisor.Options{
		Launcher: NewSpawner(""),
		Logger:   logging.GetLogger("supervisor"),
		Bus:      bus,
	})
	sup, err := registry.Add(name, def)
	if err != nil {
		logger.Error("Invalid app definition", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wake := make(chan struct{}, 1)
	unsubscribe := events.On(bus, func(events.AppStateChangedEvent) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	watchers := config.NewAppWatchers(registry, stopTimeout, logging.GetLogger("config"))
	defer watchers.Stop()
	watchers.Sync()

	var reloading atomic.Bool
	watcher := config.NewConfigWatcher(ecosystemFile, config.LoadEcosystem, logger)
	watcher.OnReload(func(eco *config.Ecosystem) {
		def, ok := eco.Definition(name)
		if !ok {
			logger.Warn("App removed from ecosystem file, shutting down")
			stop()
			return
		}

		reloading.Store(true)
		defer reloading.Store(false)

		reloadCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		result, err := registry.Reconcile(reloadCtx, map[string]supervisor.Definition{name: def})
		if err != nil {
			logger.Warn("Failed to apply changed definition", "error", err)
			return
		}
		if result.Changed() {
			logger.Info("Definition changed, app replaced")
			watchers.Sync()
		} else {
			logger.Debug("Ecosystem reloaded, definition unchanged")
		}
	})

	// Start config watcher (non-fatal if it fails)
	if err := watcher.Start(); err != nil {
		logger.Warn("Failed to start ecosystem watcher, hot-reload disabled", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	if err := sup.Launch(); err != nil {
		logger.Warn("Initial launch failed", "error", err)
	}

	exitCode := superviseForeground(ctx, registry, name, wake, &reloading, logger)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.Error("Failed to stop app", "error", err)
	}

	logger.Info("Run command exiting", "exit_code", exitCode)
	return exitCode
}

// superviseForeground blocks until ctx is done or the app reaches a state it
// will not leave on its own, and returns the process exit code for warden:
// 0 on a signal, 1 when the restart budget is exhausted, or the app's own
// exit code when it stopped without autorestart. wake is signalled on every
// state change. Changes seen while reloading are ignored, since the old app
// stops before its replacement launches.
func superviseForeground(ctx context.Context, registry *supervisor.Registry, name string,
	wake <-chan struct{}, reloading *atomic.Bool, logger *slog.Logger,
) int {
	for {
		if !reloading.Load() {
			sup, err := registry.Get(name)
			if err != nil {
				return 1
			}
			st := sup.Status()
			switch st.Status {
			case supervisor.StatusErrored:
				logger.Error("App errored, giving up", "reason", st.Reason)
				return 1
			case supervisor.StatusStopped:
				if st.LastExit == nil {
					return 0
				}
				if st.LastExit.ExitCode < 0 {
					return 1
				}
				return st.LastExit.ExitCode
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			return 0
		case <-wake:
		}
	}
}
