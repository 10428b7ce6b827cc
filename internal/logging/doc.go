// Package logging sets up warden's slog loggers.
//
// Every record goes to up to three places at once: the systemd journal when
// journald is reachable, stdout when it is a terminal, pipe or file (but not
// when stdout is already the journal stream of a unit), and a ring buffer
// that backs GET /api/logs and its SSE stream. Entries in the buffer carry a
// sequence number clients use to resume.
//
// Call [Initialize] once, then ask for a logger per module. Levels can be
// overridden per module:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "json",
//		Modules: map[string]string{"supervisor": "debug"},
//	})
//	log := logging.GetLogger("supervisor")
//
// Output of supervised apps is logged under the "output" module with an app
// attribute, one logger per app from [GetOutputLogger]. In the journal the
// attributes become fields, so one app can be followed with
//
//	journalctl -t warden APP=qoo-bridge -f
package logging
