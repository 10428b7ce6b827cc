package events

// SubscribeToChannel forwards events of type T to ch for select loops such
// as the SSE handlers. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return On(bus, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeLifecycle forwards every app lifecycle event to ch.
// Log entries are not included.
func SubscribeLifecycle(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[AppLaunchedEvent](bus, ch),
		SubscribeToChannel[AppExitedEvent](bus, ch),
		SubscribeToChannel[AppStateChangedEvent](bus, ch),
		SubscribeToChannel[AppErroredEvent](bus, ch),
		SubscribeToChannel[PersistenceFailedEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
