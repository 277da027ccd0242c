package core

import (
	"context"
	"errors"

	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// Manager owns the window buffer over one remote cursor and keeps every
// registered window covered as the active row moves.
//
// A Manager is driven by one goroutine at a time.
type Manager struct {
	cfg       schema.ManagerConfig
	cursor    RemoteCursor
	tx        Transactor
	validator RowValidator
	sink      EventSink
	logger    pslog.Logger
	session   schema.SessionID

	buf          *buffer
	windows      []*Window
	nextWindowID schema.WindowID
	open         bool
	bof          bool
	eof          bool
	edit         editSession
}

// NewManager constructs a closed manager over cursor.
func NewManager(cfg schema.ManagerConfig, cursor RemoteCursor, deps ManagerDeps) (*Manager, error) {
	if cursor == nil {
		return nil, errors.New("remote cursor is required")
	}
	normalized, err := schema.NormalizeManagerConfig(cfg)
	if err != nil {
		return nil, err
	}
	tx := deps.Transactor
	if tx == nil {
		if cursorTx, ok := cursor.(Transactor); ok {
			tx = cursorTx
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("component", "window_manager")
	if deps.SessionID != "" {
		logger = logger.With("session", deps.SessionID)
	}
	return &Manager{
		cfg:       normalized,
		cursor:    cursor,
		tx:        tx,
		validator: deps.Validator,
		sink:      deps.EventSink,
		logger:    logger,
		session:   deps.SessionID,
		buf:       newBuffer(minCapacity),
		edit:      editSession{mode: schema.ModeBrowse},
	}, nil
}

// Open fetches the first rows and covers every registered window.
func (m *Manager) Open(ctx context.Context) error {
	if m.open {
		return nil
	}
	m.buf.reset()
	m.open = true
	m.bof, m.eof = false, false
	for _, w := range m.windows {
		w.anchor = 0
	}
	if err := m.rebalance(ctx, true); err != nil {
		m.clear(ctx)
		m.open = false
		return err
	}
	m.logger.Info("window manager opened", "rows", m.RowCount(), "windows", len(m.windows), "capacity", m.buf.capacity())
	m.notify(schema.ChangeStateChanged, 0)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Close discards any pending edit and releases every bookmark. Registered
// windows stay registered but read nothing until the manager is reopened.
func (m *Manager) Close(ctx context.Context) error {
	if !m.open {
		return nil
	}
	if m.edit.mode != schema.ModeBrowse {
		m.logger.Debug("discarding pending edit on close", "mode", m.edit.mode)
		m.releaseParked(ctx)
		m.edit = editSession{mode: schema.ModeBrowse}
	}
	m.clear(ctx)
	m.open = false
	m.bof, m.eof = false, false
	m.logger.Info("window manager closed")
	m.notify(schema.ChangeStateChanged, 0)
	return nil
}

// IsOpen reports whether the manager is open.
func (m *Manager) IsOpen() bool { return m.open }

// BOF reports whether the last movement stopped at the beginning of the data.
func (m *Manager) BOF() bool { return m.bof }

// EOF reports whether the last movement stopped at the end of the data.
func (m *Manager) EOF() bool { return m.eof }

// Mode returns the edit session mode.
func (m *Manager) Mode() schema.EditMode { return m.edit.mode }

// Modified reports whether the staged row has been changed.
func (m *Manager) Modified() bool { return m.edit.modified }

// RowCount returns the number of buffered rows.
func (m *Manager) RowCount() int {
	if !m.open {
		return 0
	}
	return m.buf.lastFilled + 1
}

// ActiveRow returns a copy of the active row.
func (m *Manager) ActiveRow() (schema.Row, bool) {
	if !m.open || m.buf.empty() {
		return nil, false
	}
	return m.buf.at(m.buf.active).row.Clone(), true
}

func (m *Manager) requireOpen() error {
	if !m.open {
		return schema.ErrNotOpen
	}
	return nil
}

func (m *Manager) notify(kind schema.ChangeType, moved int) {
	if m.sink == nil {
		return
	}
	m.sink.OnChange(schema.ChangeEvent{
		SessionID: m.session,
		Type:      kind,
		Moved:     moved,
		Mode:      m.edit.mode,
		BOF:       m.bof,
		EOF:       m.eof,
	})
}

// dispose releases bookmarks in one remote call. Failures are secondary and
// only logged.
func (m *Manager) dispose(ctx context.Context, bms []schema.Bookmark) {
	if len(bms) == 0 {
		return
	}
	if err := m.cursor.DisposeBookmarks(ctx, bms); err != nil {
		m.logger.Warn("bookmark disposal failed", "count", len(bms), "err", err)
	}
}

// clear releases every held bookmark in one batch and empties the buffer.
func (m *Manager) clear(ctx context.Context) {
	b := m.buf
	if !b.empty() {
		m.dispose(ctx, b.bookmarks(0, b.scratch()))
	}
	b.reset()
}

// evict releases the slot at index and zeroes it.
func (m *Manager) evict(ctx context.Context, index int) {
	s := m.buf.at(index)
	if s.bookmark != "" {
		m.dispose(ctx, []schema.Bookmark{s.bookmark})
	}
	s.reset()
}

// selectSlot reads the cursor's current row and bookmark into the slot at
// index, releasing whatever the slot held.
func (m *Manager) selectSlot(ctx context.Context, index int) error {
	m.evict(ctx, index)
	row, err := m.cursor.Select(ctx)
	if err != nil {
		return err
	}
	bm, err := m.cursor.Bookmark(ctx)
	if err != nil {
		return err
	}
	*m.buf.at(index) = slot{row: row, bookmark: bm, isData: true}
	return nil
}

// gotoSlot positions the remote cursor on the row held by the slot at index.
// With strict set, failing to reach it returns ErrBookmarkNotFound.
func (m *Manager) gotoSlot(ctx context.Context, index int, strict, forward bool) error {
	b := m.buf
	if b.remoteSync == index && index >= 0 {
		return nil
	}
	s := b.at(index)
	target := index
	var ok bool
	var err error
	switch {
	case s.isData && s.bookmark != "":
		ok, err = m.cursor.GotoBookmark(ctx, s.bookmark, forward)
	case s.isInserted && s.isBOF:
		// Crack before the first row.
		if _, err = m.cursor.First(ctx); err == nil && !m.cursor.IsBOF() {
			_, err = m.cursor.Prior(ctx)
		}
		ok = err == nil
	case s.isInserted && s.isEOF:
		// Crack after the last row.
		if _, err = m.cursor.Last(ctx); err == nil && !m.cursor.IsEOF() {
			_, err = m.cursor.Next(ctx)
		}
		ok = err == nil
	case s.isInserted && forward && index > 0 && b.at(index-1).isData:
		// An unposted row sits between its neighbours; reading past it is
		// reading past the row before it.
		target = index - 1
		ok, err = m.cursor.GotoBookmark(ctx, b.at(target).bookmark, forward)
	case s.isInserted && !forward && index < b.lastFilled && b.at(index+1).isData:
		target = index + 1
		ok, err = m.cursor.GotoBookmark(ctx, b.at(target).bookmark, forward)
	default:
		ok, err = m.cursor.FindKey(ctx, s.row)
	}
	if err != nil {
		b.remoteSync = -1
		return err
	}
	if !ok {
		b.remoteSync = -1
		if strict {
			return schema.ErrBookmarkNotFound
		}
		return nil
	}
	if s.isInserted && (s.isBOF || s.isEOF) {
		// The cursor sits on a crack, not on a slot.
		b.remoteSync = -1
		return nil
	}
	b.remoteSync = target
	return nil
}

// growForward fetches the row after the last filled slot. rotated reports
// that slot 0 was recycled and every index shifted down by one.
func (m *Manager) growForward(ctx context.Context) (fetched, rotated bool, err error) {
	b := m.buf
	if !b.empty() {
		if b.at(b.lastFilled).isEOF {
			return false, false, nil
		}
		if err := m.gotoSlot(ctx, b.lastFilled, false, true); err != nil {
			return false, false, err
		}
	}
	ok, err := m.cursor.Next(ctx)
	if err != nil {
		b.remoteSync = -1
		return false, false, err
	}
	if !ok {
		if !b.empty() {
			b.at(b.lastFilled).isEOF = true
		}
		b.remoteSync = -1
		return false, false, nil
	}
	switch {
	case b.empty():
		if err := m.selectSlot(ctx, 0); err != nil {
			return false, false, err
		}
		b.active, b.lastFilled = 0, 0
	case !b.full():
		if err := m.selectSlot(ctx, b.lastFilled+1); err != nil {
			return false, false, err
		}
		b.lastFilled++
	default:
		if err := m.selectSlot(ctx, b.scratch()); err != nil {
			return false, false, err
		}
		b.rotateForward()
		m.evict(ctx, b.scratch())
		b.active--
		rotated = true
	}
	b.remoteSync = b.lastFilled
	m.logger.Trace("fetched row forward", "slot", b.lastFilled, "rotated", rotated)
	return true, rotated, nil
}

// growBackward fetches the row before slot 0. A fetched row always becomes
// the new slot 0, shifting every index up by one.
func (m *Manager) growBackward(ctx context.Context) (bool, error) {
	b := m.buf
	if b.empty() || b.at(0).isBOF {
		return false, nil
	}
	if err := m.gotoSlot(ctx, 0, false, false); err != nil {
		return false, err
	}
	ok, err := m.cursor.Prior(ctx)
	if err != nil {
		b.remoteSync = -1
		return false, err
	}
	if !ok {
		b.at(0).isBOF = true
		b.remoteSync = -1
		return false, nil
	}
	if err := m.selectSlot(ctx, b.scratch()); err != nil {
		return false, err
	}
	full := b.full()
	b.rotateBackward()
	if full {
		m.evict(ctx, b.scratch())
	} else {
		b.lastFilled++
	}
	b.active++
	b.remoteSync = 0
	m.logger.Trace("fetched row backward", "evicted", full)
	return true, nil
}

// drainForward fetches forward until the usable slots are full or EOF.
func (m *Manager) drainForward(ctx context.Context) error {
	for !m.buf.full() {
		fetched, _, err := m.growForward(ctx)
		if err != nil {
			return err
		}
		if !fetched {
			return nil
		}
	}
	return nil
}

// drainBackward fetches backward until the usable slots are full or BOF.
// Each fetched row shifts the buffer; it returns how many rows were added.
func (m *Manager) drainBackward(ctx context.Context) (int, error) {
	added := 0
	for !m.buf.full() {
		fetched, err := m.growBackward(ctx)
		if err != nil {
			return added, err
		}
		if !fetched {
			return added, nil
		}
		added++
	}
	return added, nil
}

// windowSpan returns the union of window ranges relative to active. Each
// anchor is first clamped so its window contains active.
func (m *Manager) windowSpan() (minOffset, maxOffset int) {
	active := m.buf.active
	for _, w := range m.windows {
		anchor := min(max(w.anchor, active-w.size+1), active)
		minOffset = min(minOffset, anchor-active)
		maxOffset = max(maxOffset, anchor+w.size-1-active)
	}
	return minOffset, maxOffset
}

// rebalance resizes the buffer to the union of window ranges and fetches
// whatever the union now needs.
func (m *Manager) rebalance(ctx context.Context, firstFetch bool) error {
	b := m.buf
	minOffset, maxOffset := m.windowSpan()
	delta := 0
	if !b.empty() {
		if lead := b.active + minOffset; lead > 0 {
			m.dispose(ctx, b.bookmarks(0, lead-1))
			for i := 0; i < lead; i++ {
				b.at(i).reset()
			}
			b.rotateBy(lead)
			b.active -= lead
			b.lastFilled -= lead
			if b.remoteSync >= 0 {
				b.remoteSync -= lead
				if b.remoteSync < 0 {
					b.remoteSync = -1
				}
			}
			delta -= lead
		}
		if trail := b.active + maxOffset; b.lastFilled > trail {
			m.dispose(ctx, b.bookmarks(trail+1, b.lastFilled))
			for i := trail + 1; i <= b.lastFilled; i++ {
				b.at(i).reset()
			}
			b.lastFilled = trail
			if b.remoteSync > trail {
				b.remoteSync = -1
			}
		}
	}
	b.resize(maxOffset - minOffset + 2)

	if firstFetch {
		ok, err := m.cursor.First(ctx)
		if err != nil {
			return err
		}
		if !ok {
			m.bof, m.eof = true, true
		} else {
			if err := m.selectSlot(ctx, 0); err != nil {
				return err
			}
			b.active, b.lastFilled, b.remoteSync = 0, 0, 0
			b.at(0).isBOF = true
		}
	}
	if !b.empty() {
		for b.lastFilled < b.active+maxOffset {
			fetched, _, err := m.growForward(ctx)
			if err != nil {
				return err
			}
			if !fetched {
				break
			}
		}
		if !firstFetch {
			for b.active < -minOffset {
				fetched, err := m.growBackward(ctx)
				if err != nil {
					return err
				}
				if !fetched {
					break
				}
				delta++
			}
		}
	}
	m.shiftWindows(delta)
	m.rebaseWindows()
	if !b.empty() {
		// Windows clamped at BOF may now reach past the rows kept above.
		_, maxOffset = m.windowSpan()
		for b.lastFilled < b.active+maxOffset && !b.full() {
			fetched, _, err := m.growForward(ctx)
			if err != nil {
				return err
			}
			if !fetched {
				break
			}
		}
	}
	m.logger.Debug("rebalanced window buffer",
		"capacity", b.capacity(),
		"rows", b.lastFilled+1,
		"active", b.active,
		"shift", delta,
	)
	return nil
}

// resizeEmpty sizes an empty buffer for the window span [minOffset, maxOffset].
func (m *Manager) resizeEmpty(minOffset, maxOffset int) {
	m.buf.resize(maxOffset - minOffset + 2)
}

func (m *Manager) maxWindowSize() int {
	size := 1
	for _, w := range m.windows {
		size = max(size, w.size)
	}
	return size
}

func (m *Manager) withWindow(w *Window) pslog.Logger {
	if w == nil {
		return m.logger
	}
	return logx.WithWindow(m.logger, w.id, w.size)
}
