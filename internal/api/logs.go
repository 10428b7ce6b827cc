package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/warden/internal/api/models"
	"github.com/smazurov/warden/internal/events"
	"github.com/smazurov/warden/internal/logging"
)

// registerLogRoutes registers log history and the log stream.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Logs",
		Description: "Buffered log history, optionally restricted to one app's output and supervision logs",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *models.LogsInput) (*models.LogsResponse, error) {
		data := models.LogsData{Entries: []models.LogEntryData{}}
		if buffer := logging.GetBuffer(); buffer != nil {
			data.LastSeq = buffer.LastSeq()
			for _, entry := range buffer.Read(logging.Query{App: input.App, After: input.After, Limit: input.Limit}) {
				data.Entries = append(data.Entries, models.LogEntryData{
					Seq:        entry.Seq,
					Timestamp:  entry.Timestamp,
					Level:      entry.Level,
					Module:     entry.Module,
					App:        entry.App,
					Message:    entry.Message,
					Attributes: entry.Attributes,
					Line:       logging.FormatLogLine(entry),
				})
			}
		}
		data.Count = len(data.Entries)
		return &models.LogsResponse{Body: data}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Replays buffered entries after Last-Event-ID, then streams new ones. Event IDs are entry seqs.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *models.LogStreamInput, send sse.Sender) {
		// Subscribe before replaying history so nothing is lost in between.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		sent := input.LastEventID
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.Read(logging.Query{App: input.App, After: sent}) {
				if err := sendLogEntry(send, LogEntryToEvent(entry)); err != nil {
					return
				}
				sent = entry.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				e, ok := event.(events.LogEntryEvent)
				if !ok || (input.App != "" && e.App != input.App) {
					continue
				}
				// Entries already replayed from the buffer arrive here too.
				if e.Seq != 0 && e.Seq <= sent {
					continue
				}
				if err := sendLogEntry(send, e); err != nil {
					return
				}
				if e.Seq != 0 {
					sent = e.Seq
				}
			}
		}
	})
}

func sendLogEntry(send sse.Sender, e events.LogEntryEvent) error {
	return send(sse.Message{ID: int(e.Seq), Data: e})
}

// LogEntryToEvent converts a buffered log entry into a bus event.
func LogEntryToEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		App:        entry.App,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}
