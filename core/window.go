package core

import (
	"context"

	"pkt.systems/cursorwin/schema"
)

// Window is a consumer's handle to a contiguous range of the buffer.
// Local index 0 maps to buffer index anchor.
type Window struct {
	id     schema.WindowID
	size   int
	anchor int
	mgr    *Manager
}

// ID returns the window id.
func (w *Window) ID() schema.WindowID { return w.id }

// Size returns the desired number of rows.
func (w *Window) Size() int { return w.size }

// RegisterWindow adds a window of size rows positioned so that it contains
// the active row. A size of zero uses the configured default.
func (m *Manager) RegisterWindow(ctx context.Context, size int) (*Window, error) {
	if size < 0 {
		return nil, schema.ErrInvalidWindow
	}
	if size == 0 {
		size = m.cfg.DefaultWindowSize
	}
	m.nextWindowID++
	w := &Window{id: m.nextWindowID, size: size, mgr: m}
	if m.open && !m.buf.empty() {
		w.anchor = max(0, m.buf.active-(size-1))
	}
	m.windows = append(m.windows, w)
	m.withWindow(w).Debug("window registered", "anchor", w.anchor)
	if !m.open {
		return w, nil
	}
	if err := m.rebalance(ctx, false); err != nil {
		return w, err
	}
	m.notify(schema.ChangeDataChanged, 0)
	return w, nil
}

// UnregisterWindow removes a window and shrinks the buffer to what the
// remaining windows need.
func (m *Manager) UnregisterWindow(ctx context.Context, w *Window) error {
	idx := m.windowIndex(w)
	if idx < 0 {
		return schema.ErrInvalidWindow
	}
	m.windows = append(m.windows[:idx], m.windows[idx+1:]...)
	m.withWindow(w).Debug("window unregistered")
	w.mgr = nil
	if !m.open {
		return nil
	}
	return m.rebalance(ctx, false)
}

// SetWindowSize changes the desired row count of a window, keeping its anchor
// where the active row allows.
func (m *Manager) SetWindowSize(ctx context.Context, w *Window, size int) error {
	if m.windowIndex(w) < 0 || size < 1 {
		return schema.ErrInvalidWindow
	}
	if size == w.size {
		return nil
	}
	w.size = size
	if !m.open {
		return nil
	}
	if err := m.rebalance(ctx, false); err != nil {
		return err
	}
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// SetActiveOffset positions a window so the active row sits at local index
// offset, fetching leading or trailing rows as needed. Near the ends of the
// data the window is clamped to what exists.
func (m *Manager) SetActiveOffset(ctx context.Context, w *Window, offset int) error {
	if m.windowIndex(w) < 0 || offset < 0 || offset >= w.size {
		return schema.ErrInvalidWindow
	}
	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.buf.empty() {
		return nil
	}
	w.anchor = m.buf.active - offset
	if err := m.rebalance(ctx, false); err != nil {
		return err
	}
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// ReadSlot returns a copy of the row shown at local index of w. It reports
// false when the index holds no row.
func (m *Manager) ReadSlot(w *Window, local int) (schema.Row, bool) {
	s, ok := m.windowSlot(w, local)
	if !ok {
		return nil, false
	}
	return s.row.Clone(), true
}

// SlotFlags describes the boundary and staging state of a displayed row.
type SlotFlags struct {
	BOF      bool
	EOF      bool
	Inserted bool
}

// ReadSlotFlags returns the flags of the row at local index of w.
func (m *Manager) ReadSlotFlags(w *Window, local int) (SlotFlags, bool) {
	s, ok := m.windowSlot(w, local)
	if !ok {
		return SlotFlags{}, false
	}
	return SlotFlags{BOF: s.isBOF, EOF: s.isEOF, Inserted: s.isInserted}, true
}

// ActiveLocalOffset returns the local index of the active row in w, or -1
// when there is none.
func (m *Manager) ActiveLocalOffset(w *Window) int {
	if !m.open || m.buf.empty() || m.windowIndex(w) < 0 {
		return -1
	}
	return m.buf.active - w.anchor
}

// RowsVisible returns how many rows w currently shows.
func (m *Manager) RowsVisible(w *Window) int {
	if !m.open || m.buf.empty() || m.windowIndex(w) < 0 {
		return 0
	}
	last := min(w.anchor+w.size-1, m.buf.lastFilled)
	if last < w.anchor {
		return 0
	}
	return last - w.anchor + 1
}

func (m *Manager) windowSlot(w *Window, local int) (*slot, bool) {
	if !m.open || w == nil || w.mgr != m || local < 0 || local >= w.size {
		return nil, false
	}
	idx := w.anchor + local
	if idx < 0 || idx > m.buf.lastFilled {
		return nil, false
	}
	return m.buf.at(idx), true
}

func (m *Manager) windowIndex(w *Window) int {
	if w == nil || w.mgr != m {
		return -1
	}
	for i, candidate := range m.windows {
		if candidate == w {
			return i
		}
	}
	return -1
}

// shiftWindows moves every anchor by delta after the buffer shifted.
func (m *Manager) shiftWindows(delta int) {
	if delta == 0 {
		return
	}
	for _, w := range m.windows {
		w.anchor += delta
	}
}

// rebaseWindows moves each anchor the least distance needed so its window
// contains active and stays inside the usable slots.
func (m *Manager) rebaseWindows() {
	b := m.buf
	if b.empty() {
		for _, w := range m.windows {
			w.anchor = 0
		}
		return
	}
	for _, w := range m.windows {
		lo := max(0, b.active-w.size+1)
		hi := min(b.active, max(0, b.usable()-w.size))
		hi = max(hi, lo)
		w.anchor = min(max(w.anchor, lo), hi)
	}
}

// windowLocals captures each window's local offset of the active row.
func (m *Manager) windowLocals() []int {
	locals := make([]int, len(m.windows))
	for i, w := range m.windows {
		locals[i] = m.buf.active - w.anchor
	}
	return locals
}

// restoreWindowLocals re-anchors windows to the captured local offsets and
// re-bases them.
func (m *Manager) restoreWindowLocals(locals []int) {
	for i, w := range m.windows {
		if i < len(locals) {
			w.anchor = m.buf.active - locals[i]
		}
	}
	m.rebaseWindows()
}
