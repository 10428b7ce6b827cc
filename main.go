package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smazurov/warden/cmd"
	"github.com/smazurov/warden/internal/api"
	"github.com/smazurov/warden/internal/config"
	"github.com/smazurov/warden/internal/events"
	"github.com/smazurov/warden/internal/logging"
	"github.com/smazurov/warden/internal/metrics"
	"github.com/smazurov/warden/internal/store"
	"github.com/smazurov/warden/internal/supervisor"
	"github.com/smazurov/warden/internal/systemd"
	"github.com/smazurov/warden/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"warden.toml"`

	// Server settings
	Port        string `help:"Port to listen on" short:"p" default:":8321" toml:"server.port" env:"SERVER_PORT"`
	StopTimeout string `help:"How long stop and restart requests wait for an app to exit" default:"30s" toml:"server.stop_timeout" env:"SERVER_STOP_TIMEOUT"`
	CORSOrigin  string `help:"Allowed CORS origin" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Apps settings
	Ecosystem      string `help:"Ecosystem file with app definitions" default:"ecosystem.toml" toml:"apps.ecosystem" env:"ECOSYSTEM"`
	WatchEcosystem bool   `help:"Apply ecosystem file changes without a restart" default:"true" toml:"apps.watch_ecosystem" env:"WATCH_ECOSYSTEM"`

	// Dump settings
	DumpFile     string `help:"File recording app intent and state across restarts" default:"~/.warden/dump.toml" toml:"dump.file" env:"DUMP_FILE"`
	Resurrect    bool   `help:"Restore apps from the dump file at startup" default:"true" toml:"dump.resurrect" env:"RESURRECT"`
	Autosave     string `help:"Interval between dump saves, 0 disables" default:"30s" toml:"dump.autosave" env:"AUTOSAVE"`
	DetachOnExit bool   `help:"Leave apps running on shutdown so the next start re-attaches to them" default:"false" toml:"dump.detach_on_exit" env:"DETACH_ON_EXIT"`
	OutputDir    string `help:"Directory for app output files when detach-on-exit is set" default:"~/.warden/logs" toml:"dump.output_dir" env:"OUTPUT_DIR"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Metrics settings
	Metrics bool `help:"Expose Prometheus metrics on /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingBufferSize int    `help:"Log entries kept for the logs API" default:"1000" toml:"logging.buffer_size" env:"LOGGING_BUFFER_SIZE"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingProcess    string `help:"Process spawner logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingOutput     string `help:"App output logging level" default:"info" toml:"logging.output" env:"LOGGING_OUTPUT"`
	LoggingStore      string `help:"Dump store logging level" default:"info" toml:"logging.store" env:"LOGGING_STORE"`
	LoggingConfig     string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:      opts.LoggingLevel,
			Format:     opts.LoggingFormat,
			BufferSize: opts.LoggingBufferSize,
			Modules: map[string]string{
				"supervisor":         opts.LoggingSupervisor,
				"process":            opts.LoggingProcess,
				logging.OutputModule: opts.LoggingOutput,
				"store":              opts.LoggingStore,
				"config":             opts.LoggingConfig,
				"api":                opts.LoggingAPI,
			},
		})

		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		// Stream every buffered log entry to /api/logs/stream subscribers
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEntryToEvent(entry))
		})

		unsubscribeMetrics := func() {}
		if opts.Metrics {
			unsubscribeMetrics = metrics.Subscribe(eventBus)
		}

		stopTimeout := parseDuration(logger, "stop-timeout", opts.StopTimeout, 30*time.Second)
		autosave := parseDuration(logger, "autosave", opts.Autosave, 30*time.Second)

		// Detached children must not write into pipes that die with warden
		var outputDir string
		if opts.DetachOnExit {
			outputDir = config.ExpandHome(opts.OutputDir)
		}

		registry := supervisor.NewRegistry(supervisor.Options{
			Launcher: cmd.NewSpawner(outputDir),
			Logger:   logging.GetLogger("supervisor"),
			Bus:      eventBus,
		})
		dump := store.NewTOML(config.ExpandHome(opts.DumpFile))

		var promHandler http.Handler
		if opts.Metrics {
			var collectors []prometheus.Collector
			if collector, err := metrics.NewProcessCollector(runningPIDs(registry)); err != nil {
				logger.Debug("Per-app process metrics unavailable", "error", err)
			} else {
				collectors = append(collectors, collector)
			}
			if h, err := metrics.Handler(logging.GetLogger("metrics"), collectors...); err != nil {
				logger.Warn("Metrics endpoint disabled", "error", err)
			} else {
				promHandler = h
			}
		}

		reconcile := func(eco *config.Ecosystem) {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()

			result, err := registry.Reconcile(ctx, eco.Definitions())
			if err != nil {
				logger.Warn("Failed to apply some app definitions", "error", err)
			}
			if result.Changed() {
				logger.Info("Applied ecosystem file",
					"added", result.Added, "removed", result.Removed, "replaced", result.Replaced)
			}
		}

		watchers := config.NewAppWatchers(registry, stopTimeout, logging.GetLogger("config"))

		// SIGHUP reloads through the watcher even when file watching is off
		ecoWatcher := config.NewConfigWatcher(
			opts.Ecosystem,
			config.LoadEcosystem,
			logging.GetLogger("config"),
			config.WithErrorHandler[*config.Ecosystem](func(err error) {
				logger.Warn("Ignoring invalid ecosystem file, keeping current apps", "error", err)
			}),
		)
		ecoWatcher.OnReload(func(eco *config.Ecosystem) {
			reconcile(eco)
			watchers.Sync()
		})

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Registry:          registry,
			Store:             dump,
			EventBus:          eventBus,
			PrometheusHandler: promHandler,
			StopTimeout:       stopTimeout,
			CORSOrigin:        opts.CORSOrigin,
		})

		notifier := systemd.NewNotifier()
		runCtx, cancelRun := context.WithCancel(context.Background())

		// Subcommands run this callback too, so nothing is launched before OnStart.
		hooks.OnStart(func() {
			if outputDir != "" {
				if err := os.MkdirAll(outputDir, 0o755); err != nil {
					logger.Error("Failed to create output directory", "dir", outputDir, "error", err)
					os.Exit(1)
				}
			}

			// Resurrect first so surviving children are re-attached, then let the
			// ecosystem file add, replace, or remove apps.
			if opts.Resurrect {
				if restored, err := registry.Resurrect(dump); err != nil {
					logger.Warn("Failed to resurrect some apps", "restored", restored, "error", err)
				}
			}

			if eco, err := config.LoadEcosystem(opts.Ecosystem); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					logger.Info("No ecosystem file, supervising resurrected apps only", "ecosystem", opts.Ecosystem)
				} else {
					logger.Error("Failed to load ecosystem file", "ecosystem", opts.Ecosystem, "error", err)
				}
			} else {
				reconcile(eco)
			}
			watchers.Sync()

			if opts.WatchEcosystem {
				// Non-fatal, the ecosystem file may not exist yet
				if err := ecoWatcher.Start(); err != nil {
					logger.Warn("Failed to start ecosystem watcher, hot-reload disabled", "error", err)
				}
			}
			go reloadOnHangup(runCtx, ecoWatcher, logger)

			go notifier.RunWatchdog(runCtx)
			if autosave > 0 {
				go autosaveLoop(runCtx, registry, dump, autosave, notifier, logger)
			}

			notifier.Ready(statusLine(registry))

			logger.Info("Starting HTTP server", "port", opts.Port, "version", version.String())
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			notifier.Stopping()
			logger.Info("Shutting down server")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if stopErr := server.Stop(shutdownCtx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			cancelRun()
			_ = ecoWatcher.Stop()
			watchers.Stop()

			// Save before stopping so the dump keeps what was meant to run
			if err := registry.Save(dump); err != nil {
				logger.Error("Failed to save dump on shutdown", "error", err)
			}

			if opts.DetachOnExit {
				logger.Info("Leaving apps running for re-attach", "apps", len(registry.Names()))
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				logger.Info("Stopping all apps")
				if err := registry.StopAll(ctx); err != nil {
					logger.Error("Failed to stop some apps", "error", err)
				}
			}

			unsubscribeMetrics()
			logging.SetLogCallback(nil)
		})
	})

	root := cli.Root()
	root.Use = "warden"
	root.Short = "Supervise long-running apps with restart budgets"
	root.Version = version.Full()

	root.AddCommand(cmd.CreateRunCmd())
	root.AddCommand(cmd.CreateValidateCmd())
	root.AddCommand(cmd.CreateDumpCmd())

	// Run the CLI
	cli.Run()
}

// autosaveLoop saves the dump every interval until ctx is done.
func autosaveLoop(ctx context.Context, registry *supervisor.Registry, dump supervisor.Store,
	interval time.Duration, notifier *systemd.Notifier, logger *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Save(dump); err != nil {
				// Already retried and published, the next tick tries again
				logger.Warn("Autosave failed", "error", err)
			}
			notifier.Status("%s", statusLine(registry))
		}
	}
}

// reloadOnHangup reloads the ecosystem file on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher[*config.Ecosystem], logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading ecosystem file")
			w.Reload()
		}
	}
}

// runningPIDs returns a function listing the PID of every running app.
func runningPIDs(registry *supervisor.Registry) func() map[string]int {
	return func() map[string]int {
		pids := make(map[string]int)
		for _, rec := range registry.List() {
			if rec.State.Status == supervisor.StatusRunning && rec.State.PID > 0 {
				pids[rec.Name] = rec.State.PID
			}
		}
		return pids
	}
}

// statusLine summarizes app states for systemctl status.
func statusLine(registry *supervisor.Registry) string {
	counts := make(map[supervisor.Status]int)
	records := registry.List()
	for _, rec := range records {
		counts[rec.State.Status]++
	}
	return fmt.Sprintf("%d apps: %d running, %d errored, %d stopped",
		len(records), counts[supervisor.StatusRunning], counts[supervisor.StatusErrored], counts[supervisor.StatusStopped])
}

func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}
