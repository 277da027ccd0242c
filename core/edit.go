package core

import (
	"context"
	"fmt"

	"pkt.systems/cursorwin/schema"
)

// editSession tracks the staged row between Insert/Append/Edit and Post or
// Cancel.
type editSession struct {
	mode     schema.EditMode
	original schema.Row
	modified bool

	// origin and locals hold the active index and window offsets before an
	// Insert; Cancel rebuilds to them. locals is nil for other sessions.
	origin int
	locals []int
	// parked holds the active row while a staged insert occupies the only
	// usable slot.
	parked *slot
}

// TransactionError reports a failed mutation whose rollback also failed.
type TransactionError struct {
	Op          string
	Err         error
	RollbackErr error
}

func (e *TransactionError) Error() string {
	if e == nil {
		return "transaction error"
	}
	return fmt.Sprintf("%s failed: %v (rollback failed: %v)", e.Op, e.Err, e.RollbackErr)
}

// Unwrap returns the primary failure.
func (e *TransactionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrRollbackFailed.
func (e *TransactionError) Is(target error) bool {
	return target == schema.ErrRollbackFailed
}

// checkBrowseMode resolves a pending edit: modified rows are posted, the
// rest cancelled.
func (m *Manager) checkBrowseMode(ctx context.Context) error {
	if m.edit.mode == schema.ModeBrowse {
		return nil
	}
	if m.edit.modified {
		return m.Post(ctx)
	}
	return m.Cancel(ctx)
}

func (m *Manager) defaultRow() schema.Row {
	if len(m.cfg.Defaults) == 0 {
		return schema.Row{}
	}
	return m.cfg.Defaults.Clone()
}

// Insert stages a new row before the active row.
func (m *Manager) Insert(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	b := m.buf
	session := editSession{mode: schema.ModeInsert, origin: b.active, locals: m.windowLocals()}
	switch {
	case b.empty():
		*b.at(0) = slot{row: m.defaultRow(), isInserted: true, isBOF: true, isEOF: true}
		b.active, b.lastFilled, b.remoteSync = 0, 0, -1
	case b.usable() == 1:
		parked := *b.at(0)
		session.parked = &parked
		*b.at(0) = slot{row: m.defaultRow(), isInserted: true, isBOF: parked.isBOF}
		b.remoteSync = -1
	default:
		if b.full() && b.active == b.lastFilled {
			// The active row is last: drop the leading row instead.
			m.evict(ctx, 0)
			b.rotateForward()
			b.active--
			b.lastFilled--
			switch {
			case b.remoteSync == 0:
				b.remoteSync = -1
			case b.remoteSync > 0:
				b.remoteSync--
			}
			m.shiftWindows(-1)
		}
		bof := b.at(b.active).isBOF
		evicting := b.full()
		*b.at(b.scratch()) = slot{row: m.defaultRow(), isInserted: true}
		b.moveSlot(b.scratch(), b.active)
		if evicting {
			m.evict(ctx, b.scratch())
		} else {
			b.lastFilled++
		}
		if b.remoteSync >= b.active {
			b.remoteSync++
			if b.remoteSync > b.lastFilled {
				b.remoteSync = -1
			}
		}
		b.at(b.active).isBOF = bof
		if b.active < b.lastFilled {
			b.at(b.active + 1).isBOF = false
		}
		m.rebaseWindows()
	}
	m.edit = session
	m.bof, m.eof = false, false
	m.logger.Debug("staged insert", "slot", b.active, "parked", session.parked != nil)
	m.notify(schema.ChangeStateChanged, 0)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Append stages a new row after the last row of the data, rebuilding the
// buffer from the end.
func (m *Manager) Append(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	m.clear(ctx)
	b := m.buf
	ok := false
	// A single usable slot only has room for the staged row.
	if b.usable() > 1 {
		var err error
		ok, err = m.cursor.Last(ctx)
		if err != nil {
			return err
		}
		if ok {
			if err := m.selectSlot(ctx, 0); err != nil {
				return err
			}
			b.active, b.lastFilled, b.remoteSync = 0, 0, 0
			for b.lastFilled < b.usable()-2 {
				fetched, err := m.growBackward(ctx)
				if err != nil {
					return err
				}
				if !fetched {
					break
				}
			}
		}
	}
	staged := slot{row: m.defaultRow(), isInserted: true, isEOF: true}
	if b.empty() {
		staged.isBOF = b.usable() > 1 && !ok
		*b.at(0) = staged
		b.lastFilled = 0
	} else {
		b.lastFilled++
		*b.at(b.lastFilled) = staged
	}
	b.active = b.lastFilled
	for _, w := range m.windows {
		w.anchor = b.active - w.size + 1
	}
	m.rebaseWindows()
	m.edit = editSession{mode: schema.ModeInsert}
	m.bof, m.eof = false, false
	m.logger.Debug("staged append", "slot", b.active)
	m.notify(schema.ChangeStateChanged, 0)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Edit starts editing the active row.
func (m *Manager) Edit(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.edit.mode != schema.ModeBrowse {
		return nil
	}
	b := m.buf
	if b.empty() {
		return schema.ErrEmpty
	}
	m.edit = editSession{mode: schema.ModeEdit, original: b.at(b.active).row.Clone()}
	m.notify(schema.ChangeStateChanged, 0)
	return nil
}

// SetField changes one column of the staged row.
func (m *Manager) SetField(name string, value any) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.edit.mode == schema.ModeBrowse {
		return schema.ErrNotEditing
	}
	s := m.buf.at(m.buf.active)
	if s.row == nil {
		s.row = schema.Row{}
	}
	s.row[name] = value
	m.edit.modified = true
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// SetRow replaces the staged row.
func (m *Manager) SetRow(row schema.Row) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.edit.mode == schema.ModeBrowse {
		return schema.ErrNotEditing
	}
	s := m.buf.at(m.buf.active)
	s.row = row.Clone()
	if s.row == nil {
		s.row = schema.Row{}
	}
	m.edit.modified = true
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Cancel discards the staged row and rebuilds the buffer around the row the
// session started from.
func (m *Manager) Cancel(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	b := m.buf
	session := m.edit
	switch session.mode {
	case schema.ModeBrowse:
		return nil
	case schema.ModeInsert:
		m.unstage(ctx)
	case schema.ModeEdit:
		b.at(b.active).row = session.original
	}
	m.edit = editSession{mode: schema.ModeBrowse}
	m.logger.Debug("cancelled edit", "mode", session.mode)
	m.notify(schema.ChangeStateChanged, 0)
	if b.empty() {
		m.bof, m.eof = true, true
		m.rebaseWindows()
		m.notify(schema.ChangeDataChanged, 0)
		return nil
	}
	if err := m.seekActive(ctx, false); err != nil {
		return err
	}
	if session.mode == schema.ModeInsert && session.locals != nil {
		return m.rebuild(ctx, false, false, session.origin, session.locals)
	}
	return m.resync(ctx, false, false)
}

// unstage removes the staged insert slot, closing the gap or returning the
// parked row to its slot.
func (m *Manager) unstage(ctx context.Context) {
	b := m.buf
	i := b.active
	s := b.at(i)
	if !s.isInserted {
		m.releaseParked(ctx)
		return
	}
	if p := m.edit.parked; p != nil && b.lastFilled == 0 {
		*s = *p
		m.edit.parked = nil
		b.active, b.remoteSync = 0, -1
		return
	}
	m.releaseParked(ctx)
	bof, eof := s.isBOF, s.isEOF
	if b.lastFilled == 0 {
		s.reset()
		b.active, b.lastFilled, b.remoteSync = 0, -1, -1
		return
	}
	s.reset()
	b.moveSlot(i, b.scratch())
	b.lastFilled--
	switch {
	case b.remoteSync == i:
		b.remoteSync = -1
	case b.remoteSync > i:
		b.remoteSync--
	}
	if b.active > b.lastFilled {
		b.active = b.lastFilled
	}
	if bof {
		b.at(0).isBOF = true
	}
	if eof {
		b.at(b.lastFilled).isEOF = true
	}
}

// releaseParked disposes the bookmark of a row parked by Insert.
func (m *Manager) releaseParked(ctx context.Context) {
	p := m.edit.parked
	if p == nil {
		return
	}
	m.edit.parked = nil
	if p.bookmark != "" {
		m.dispose(ctx, []schema.Bookmark{p.bookmark})
	}
}

// Post writes the staged row to the source inside a transaction and
// returns to browse mode.
func (m *Manager) Post(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	mode := m.edit.mode
	if mode == schema.ModeBrowse {
		return nil
	}
	b := m.buf
	s := b.at(b.active)
	row := s.row.Clone()
	if row == nil {
		row = schema.Row{}
	}
	if m.validator != nil {
		if err := m.validator.ValidateRow(ctx, mode, row); err != nil {
			return err
		}
	}
	op := "update"
	if mode == schema.ModeInsert {
		op = "insert"
	}
	err := m.inTransaction(ctx, op, func(ctx context.Context) error {
		if mode == schema.ModeInsert {
			return m.cursor.Insert(ctx, row)
		}
		if err := m.gotoSlot(ctx, b.active, true, true); err != nil {
			return err
		}
		return m.cursor.Update(ctx, row)
	})
	if err != nil {
		m.logger.Warn("post failed", "op", op, "err", err)
		return err
	}
	m.releaseParked(ctx)
	m.edit = editSession{mode: schema.ModeBrowse}
	m.logger.Debug("posted row", "op", op, "post_mode", m.cfg.PostMode)
	m.notify(schema.ChangeStateChanged, 0)

	switch m.cfg.PostMode {
	case schema.PostModeInPlace:
		s = b.at(b.active)
		s.row = row
		s.isInserted = false
		b.remoteSync = -1
		m.notify(schema.ChangeDataChanged, 0)
		return nil
	default:
		b.remoteSync = -1
		return m.resync(ctx, false, false)
	}
}

// Delete removes the active row from the source. In insert mode it discards
// the staged row instead.
func (m *Manager) Delete(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.edit.mode == schema.ModeInsert {
		return m.Cancel(ctx)
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	b := m.buf
	if b.empty() {
		return schema.ErrEmpty
	}
	if err := m.gotoSlot(ctx, b.active, true, true); err != nil {
		return err
	}
	if err := m.inTransaction(ctx, "delete", m.cursor.Delete); err != nil {
		m.logger.Warn("delete failed", "err", err)
		return err
	}
	b.remoteSync = -1
	m.logger.Debug("deleted row", "slot", b.active)
	return m.resync(ctx, false, false)
}

// inTransaction runs fn inside a transaction when a Transactor is available.
func (m *Manager) inTransaction(ctx context.Context, op string, fn func(context.Context) error) error {
	if m.tx == nil {
		return fn(ctx)
	}
	if err := m.tx.StartTransaction(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return m.rollback(ctx, op, err)
	}
	if err := m.tx.Commit(ctx); err != nil {
		return m.rollback(ctx, op, err)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, op string, cause error) error {
	m.buf.remoteSync = -1
	if err := m.tx.Rollback(ctx); err != nil {
		m.logger.Error("rollback failed", "op", op, "err", err)
		return &TransactionError{Op: op, Err: cause, RollbackErr: err}
	}
	return cause
}
