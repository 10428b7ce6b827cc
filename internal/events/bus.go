// Package events is warden's in-process event bus. Supervisors publish app
// lifecycle events, and the metrics, SSE and foreground-run code subscribe.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. Events are delivered to each
// subscriber asynchronously and in publish order. A nil *Bus is valid and
// drops everything, so components can run without one.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// On subscribes fn to events of type T and returns the unsubscribe function.
func On[T Event](b *Bus, fn func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, fn)
}

// Publish sends ev to the subscribers of its concrete type.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	// kelindar/event dispatches on the static type, so unwrap the interface.
	switch e := ev.(type) {
	case AppLaunchedEvent:
		event.Publish(b.dispatcher, e)
	case AppExitedEvent:
		event.Publish(b.dispatcher, e)
	case AppStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case AppErroredEvent:
		event.Publish(b.dispatcher, e)
	case PersistenceFailedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe is On for callers that hold the handler as a plain func value:
// bus.Subscribe(func(e AppExitedEvent) { ... }). Handlers for types that are
// not events get a no-op unsubscribe.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(AppLaunchedEvent):
		return On(b, h)
	case func(AppExitedEvent):
		return On(b, h)
	case func(AppStateChangedEvent):
		return On(b, h)
	case func(AppErroredEvent):
		return On(b, h)
	case func(PersistenceFailedEvent):
		return On(b, h)
	case func(LogEntryEvent):
		return On(b, h)
	default:
		return func() {}
	}
}
