package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/warden/internal/api/models"
	"github.com/smazurov/warden/internal/metrics"
	"github.com/smazurov/warden/internal/supervisor"
)

// registerAppRoutes registers status and control endpoints for apps.
func (s *Server) registerAppRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/api/apps",
		Summary:     "List Apps",
		Description: "Get the status of every supervised app",
		Tags:        []string{"apps"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.AppListResponse, error) {
		records := s.registry.List()
		apps := make([]models.AppData, len(records))
		for i, rec := range records {
			apps[i] = s.domainToAPIApp(rec)
		}
		return &models.AppListResponse{
			Body: models.AppListData{
				Apps:  apps,
				Count: len(apps),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-app",
		Method:      http.MethodGet,
		Path:        "/api/apps/{name}",
		Summary:     "Get App",
		Description: "Get the definition and status of one app",
		Tags:        []string{"apps"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.AppPathInput) (*models.AppResponse, error) {
		sup, err := s.registry.Get(input.Name)
		if err != nil {
			return nil, s.mapSupervisorError(err)
		}
		return &models.AppResponse{Body: s.domainToAPIApp(sup.Record())}, nil
	})

	s.registerAppAction("start-app", "start", "Start App",
		"Launch a stopped app. An errored app needs its restart budget reset first.",
		[]int{401, 404, 409, 422, 500},
		func(_ context.Context, sup *supervisor.Supervisor) error {
			return sup.Launch()
		})

	s.registerAppAction("stop-app", "stop", "Stop App",
		"Stop an app, sending its stop signal and killing it after the kill timeout",
		[]int{401, 404, 500, 504},
		func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.Stop(ctx)
		})

	s.registerAppAction("restart-app", "restart", "Restart App",
		"Stop and launch an app again without consuming the restart budget",
		[]int{401, 404, 409, 422, 500, 504},
		func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.Restart(ctx)
		})

	s.registerAppAction("reset-app", "reset", "Reset Restart Budget",
		"Set the restart count to zero. An errored app can be started afterwards.",
		[]int{401, 404},
		func(_ context.Context, sup *supervisor.Supervisor) error {
			sup.ResetRestartBudget()
			return nil
		})

	huma.Register(s.api, huma.Operation{
		OperationID: "save-dump",
		Method:      http.MethodPost,
		Path:        "/api/save",
		Summary:     "Save Dump",
		Description: "Write the intent and state of every app to the dump file for later resurrection",
		Tags:        []string{"apps"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.SaveResponse, error) {
		if s.store == nil {
			return nil, huma.Error500InternalServerError("no dump file configured")
		}
		if err := s.registry.Save(s.store); err != nil {
			return nil, s.mapSupervisorError(err)
		}
		return &models.SaveResponse{
			Body: models.SaveData{
				Saved:   len(s.registry.Names()),
				Message: "Dump saved",
			},
		}, nil
	})
}

// registerAppAction registers POST /api/apps/{name}/<action>. The response
// carries the app status after the action.
func (s *Server) registerAppAction(operationID, action, summary, description string, errs []int,
	run func(context.Context, *supervisor.Supervisor) error,
) {
	huma.Register(s.api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/api/apps/{name}/" + action,
		Summary:     summary,
		Description: description,
		Tags:        []string{"apps"},
		Errors:      errs,
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.AppPathInput) (*models.AppResponse, error) {
		sup, err := s.registry.Get(input.Name)
		if err != nil {
			return nil, s.mapSupervisorError(err)
		}

		ctx, cancel := context.WithTimeout(ctx, s.stopTimeout())
		defer cancel()

		if err := run(ctx, sup); err != nil {
			s.logger.Warn("App action failed", "app", input.Name, "action", action, "error", err)
			return nil, s.mapSupervisorError(err)
		}
		s.logger.Info("App action completed", "app", input.Name, "action", action, "status", sup.Status().Status)
		return &models.AppResponse{Body: s.domainToAPIApp(sup.Record())}, nil
	})
}

func (s *Server) stopTimeout() time.Duration {
	if s.options == nil || s.options.StopTimeout <= 0 {
		return defaultStopTimeout
	}
	return s.options.StopTimeout
}

// domainToAPIApp converts a supervisor record to API app data.
func (s *Server) domainToAPIApp(rec supervisor.Record) models.AppData {
	st := rec.State
	app := models.AppData{
		Name:             rec.Name,
		Status:           string(st.Status),
		Wanted:           rec.Wanted,
		PID:              st.PID,
		RestartCount:     st.RestartCount,
		MaxRestarts:      rec.Policy.MaxRestarts,
		AutoRestart:      rec.Policy.AutoRestart,
		RestartDelayMs:   rec.Policy.RestartDelay.Milliseconds(),
		MinUptimeMs:      rec.Policy.MinUptime.Milliseconds(),
		UptimeAtLastExit: st.UptimeAtLastExit.Milliseconds(),
		Reason:           st.Reason,
		LastError:        st.LastError,
		Script:           rec.Spec.Script,
		Args:             rec.Spec.Args,
		Cwd:              rec.Spec.WorkingDir,
		Interpreter:      rec.Spec.Interpreter,
		ExecMode:         string(rec.Spec.ExecMode),
		Watch:            rec.Spec.WatchFilesystem,
		Env:              rec.Spec.Env,
	}
	if !st.LastLaunchTime.IsZero() {
		launched := st.LastLaunchTime
		app.LastLaunchTime = &launched
		if st.Status == supervisor.StatusRunning {
			app.UptimeMs = time.Since(launched).Milliseconds()
		}
	}
	if st.LastExit != nil {
		app.LastExit = &models.ExitData{
			ExitCode: st.LastExit.ExitCode,
			Signal:   st.LastExit.Signal,
			Time:     st.LastExit.Time,
			Class:    string(st.LastExit.Class),
		}
	}
	if c := metrics.GetAppCounters(rec.Name); c != nil {
		app.Launches = c.Launches
		app.Crashes = c.Crashes
	}
	return app
}

// mapSupervisorError maps domain errors to HTTP errors
func (s *Server) mapSupervisorError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout("app did not stop in time", err)
	}
	var supErr *supervisor.Error
	if !errors.As(err, &supErr) {
		return huma.Error500InternalServerError("internal server error", err)
	}
	switch supErr.Code {
	case supervisor.ErrCodeNotFound:
		return huma.Error404NotFound(supErr.Message, err)
	case supervisor.ErrCodeInvalidState, supervisor.ErrCodeAlreadyExists:
		return huma.Error409Conflict(supErr.Message, err)
	case supervisor.ErrCodeBudgetExhausted:
		return huma.Error422UnprocessableEntity(supErr.Message, err)
	case supervisor.ErrCodeInvalidConfig:
		return huma.Error400BadRequest(supErr.Message, err)
	case supervisor.ErrCodeLaunchFailure, supervisor.ErrCodePersistenceFailure:
		return huma.Error500InternalServerError(supErr.Message, err)
	default:
		return huma.Error500InternalServerError("internal server error", err)
	}
}
