package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/eventbus"
	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
)

// Stream event types.
const (
	StreamSnapshot      = "snapshot"
	StreamSourceChanged = "source_changed"
)

// StreamEvent is one server-sent event of /api/stream.
type StreamEvent struct {
	Seq       uint64            `json:"seq"`
	Type      string            `json:"type"`
	Source    schema.SourceName `json:"source"`
	Origin    schema.SessionID  `json:"origin,omitempty"`
	Window    *WindowPayload    `json:"window,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// handleStream sends a snapshot of the first window of ?source= and a fresh
// snapshot every time another session writes to that source.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("stream requires an event bus"))
		return
	}
	source, err := schema.NormalizeSourceName(r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.registry.Lookup(string(source)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	size, err := parseInt(r.URL.Query().Get("size"), 0)
	if err != nil || size < 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid size"))
		return
	}
	if s.cfg.MaxWindowSize > 0 && size > s.cfg.MaxWindowSize {
		size = s.cfg.MaxWindowSize
	}

	ctx := r.Context()
	sessionID := sessionFromContext(ctx)
	log := logx.WithSessionSource(ctx, sessionID, source)
	ctx = logx.ContextWithSessionLogger(ctx, log, sessionID, source)

	// Subscribe before the first snapshot so no write between the two is missed.
	events, unsubscribe := s.bus.Subscribe(sessionID, source)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var seq uint64
	send := func(eventType string, origin schema.SessionID) error {
		seq++
		event := StreamEvent{Seq: seq, Type: eventType, Source: source, Origin: origin, Timestamp: time.Now()}
		window, err := s.snapshot(ctx, source, size)
		if err != nil {
			log.Warn("http stream snapshot failed", "err", err)
		} else {
			event.Window = &window
		}
		if err := writeSSEvent(w, event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(StreamSnapshot, ""); err != nil {
		return
	}
	log.Info("http stream opened")
	for {
		select {
		case <-ctx.Done():
			log.Info("http stream closed")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != eventbus.EventSourceChanged {
				continue
			}
			if err := send(StreamSourceChanged, event.Origin); err != nil {
				log.Debug("http stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) snapshot(ctx context.Context, source schema.SourceName, size int) (WindowPayload, error) {
	var payload WindowPayload
	err := s.withManager(ctx, source, size, func(_ context.Context, mgr *core.Manager, win *core.Window) error {
		payload = snapshotWindow(source, mgr, win)
		return nil
	})
	return payload, err
}
