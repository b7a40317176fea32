package observability

import "context"

// NoOpObserver discards every event. It is the zero-overhead default used
// when no observability sink is configured.
type NoOpObserver struct{}

// OnEvent does nothing.
func (NoOpObserver) OnEvent(context.Context, Event) {}
