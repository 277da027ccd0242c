package core

import "pkt.systems/cursorwin/schema"

// EventSink receives change notifications from a window manager.
// OnChange is called synchronously after the mutation completes and must not
// call back into the manager.
type EventSink interface {
	OnChange(event schema.ChangeEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event schema.ChangeEvent)

// OnChange calls f.
func (f EventSinkFunc) OnChange(event schema.ChangeEvent) {
	f(event)
}

// Fanout forwards events to every non-nil sink in order.
type Fanout []EventSink

// OnChange forwards the event.
func (f Fanout) OnChange(event schema.ChangeEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnChange(event)
	}
}
