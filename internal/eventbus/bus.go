package eventbus

import (
	"context"
	"sync"

	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventChange carries a window manager change for one session.
	EventChange EventType = "change"
	// EventSourceChanged reports that another session wrote to a source.
	EventSourceChanged EventType = "source"
)

// Event is delivered to session subscribers.
type Event struct {
	Type   EventType
	Change schema.ChangeEvent
	Source schema.SourceName
	Origin schema.SessionID
}

// Bus fans events out to per-session subscribers. Publishing never blocks;
// events for a full subscriber are dropped.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SessionID]map[chan Event]schema.SourceName
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SessionID]map[chan Event]schema.SourceName),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the session browsing source and
// returns a channel + cancel.
func (b *Bus) Subscribe(sessionID schema.SessionID, source schema.SourceName) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[chan Event]schema.SourceName)
		b.subs[sessionID] = sessionSubs
	}
	sessionSubs[ch] = source
	count := len(sessionSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("session", sessionID).Debug("eventbus subscribe", "subs", count, "source", source)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[sessionID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("session", sessionID).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnChange publishes a manager change to the session's subscribers.
func (b *Bus) OnChange(event schema.ChangeEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	sessionSubs := b.subs[event.SessionID]
	subs := make([]chan Event, 0, len(sessionSubs))
	for sub := range sessionSubs {
		subs = append(subs, sub)
	}
	dropped := deliver(subs, Event{Type: EventChange, Change: event})
	b.mu.Unlock()
	b.logDropped(dropped, "session", event.SessionID)
}

// OnSourceChanged tells every other session browsing source that its rows
// may be stale.
func (b *Bus) OnSourceChanged(source schema.SourceName, origin schema.SessionID) {
	if b == nil || source == "" {
		return
	}
	b.mu.Lock()
	var subs []chan Event
	for sessionID, sessionSubs := range b.subs {
		if sessionID == origin {
			continue
		}
		for sub, subSource := range sessionSubs {
			if subSource == source {
				subs = append(subs, sub)
			}
		}
	}
	dropped := deliver(subs, Event{Type: EventSourceChanged, Source: source, Origin: origin})
	b.mu.Unlock()
	b.logDropped(dropped, "source", source)
}

// deliver sends without blocking. Callers hold the bus lock so cancel cannot
// close a channel mid-send.
func deliver(subs []chan Event, event Event) int {
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *Bus) logDropped(dropped int, key string, value any) {
	if dropped > 0 && b.log != nil {
		b.log.With(key, value).Trace("eventbus dropped", "count", dropped)
	}
}
