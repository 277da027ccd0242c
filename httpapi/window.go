package httpapi

import (
	"context"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
)

// RowPayload is one row of a window.
type RowPayload struct {
	Row    schema.Row `json:"row"`
	Active bool       `json:"active,omitempty"`
	BOF    bool       `json:"bof,omitempty"`
	EOF    bool       `json:"eof,omitempty"`
}

// WindowPayload is the visible part of a window.
type WindowPayload struct {
	Source schema.SourceName `json:"source"`
	Size   int               `json:"size"`
	Active int               `json:"active"`
	BOF    bool              `json:"bof"`
	EOF    bool              `json:"eof"`
	Rows   []RowPayload      `json:"rows"`
}

// withManager opens a cursor on source and a window manager with one window
// of size rows, runs fn and releases both.
func (s *Server) withManager(ctx context.Context, source schema.SourceName, size int, fn func(context.Context, *core.Manager, *core.Window) error) error {
	log := logx.Ctx(ctx)
	cursor, err := s.registry.Open(ctx, string(source))
	if err != nil {
		return err
	}
	defer func() {
		if err := cursor.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("http cursor close failed", "err", err)
		}
	}()

	deps := core.ManagerDeps{Logger: log, SessionID: sessionFromContext(ctx)}
	if s.bus != nil {
		deps.EventSink = s.bus
	}
	mgr, err := core.NewManager(s.window, cursor, deps)
	if err != nil {
		return err
	}
	win, err := mgr.RegisterWindow(ctx, size)
	if err != nil {
		return err
	}
	if err := mgr.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("http manager close failed", "err", err)
		}
	}()
	return fn(ctx, mgr, win)
}

func snapshotWindow(source schema.SourceName, mgr *core.Manager, win *core.Window) WindowPayload {
	payload := WindowPayload{
		Source: source,
		Size:   win.Size(),
		Active: mgr.ActiveLocalOffset(win),
		BOF:    mgr.BOF(),
		EOF:    mgr.EOF(),
		Rows:   []RowPayload{},
	}
	n := mgr.RowsVisible(win)
	for i := 0; i < n; i++ {
		row, ok := mgr.ReadSlot(win, i)
		if !ok {
			break
		}
		flags, _ := mgr.ReadSlotFlags(win, i)
		payload.Rows = append(payload.Rows, RowPayload{
			Row:    row,
			Active: i == payload.Active,
			BOF:    flags.BOF,
			EOF:    flags.EOF,
		})
	}
	return payload
}
