package metrics

import "github.com/smazurov/warden/internal/events"

// Subscribe feeds the app metrics from lifecycle events on bus.
// The returned function unsubscribes.
func Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		events.On(bus, func(e events.AppLaunchedEvent) {
			RecordLaunch(e.App, e.Attached)
			SetRestartCount(e.App, e.RestartCount)
		}),
		events.On(bus, func(e events.AppExitedEvent) {
			RecordExit(e.App, e.Class)
		}),
		events.On(bus, func(e events.AppStateChangedEvent) {
			SetStatus(e.App, e.From, e.To)
			SetRestartCount(e.App, e.RestartCount)
		}),
		events.On(bus, func(e events.AppErroredEvent) {
			RecordBudgetExhausted(e.App)
		}),
		events.On(bus, func(events.PersistenceFailedEvent) {
			RecordPersistenceFailure()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
