package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/warden/internal/events"
)

// lifecycleEventTypes maps SSE event names to their payloads.
var lifecycleEventTypes = map[string]any{
	"app-launched":       events.AppLaunchedEvent{},
	"app-exited":         events.AppExitedEvent{},
	"app-state-changed":  events.AppStateChangedEvent{},
	"app-errored":        events.AppErroredEvent{},
	"persistence-failed": events.PersistenceFailedEvent{},
}

// registerSSERoutes registers the lifecycle event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Lifecycle Event Stream",
		Description: "Real-time app lifecycle events: launches, exits, state changes, budget exhaustion and dump failures",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, lifecycleEventTypes, func(ctx context.Context, input *struct {
		App string `query:"app" example:"qoo-bridge" doc:"Only events of this app"`
	}, send sse.Sender) {
		eventCh := make(chan any, 32)
		unsubscribe := events.SubscribeLifecycle(s.eventBus, eventCh)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				// Global events such as dump failures pass any filter.
				if app := eventApp(event); input.App != "" && app != "" && app != input.App {
					continue
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

// eventApp returns the app an event belongs to, or "" for global events.
func eventApp(event any) string {
	switch e := event.(type) {
	case events.AppLaunchedEvent:
		return e.App
	case events.AppExitedEvent:
		return e.App
	case events.AppStateChangedEvent:
		return e.App
	case events.AppErroredEvent:
		return e.App
	}
	return ""
}
