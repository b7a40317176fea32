package observability

import "context"

// MultiObserver fans a single event stream out to several observers, in
// order. A workflow typically runs one: the slog (or noop) sink and the
// file log sink observe the same events.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a MultiObserver over the given observers. Nil
// entries are skipped.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	return m
}

// OnEvent forwards the event to every wrapped observer.
func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, o := range m.observers {
		o.OnEvent(ctx, event)
	}
}
