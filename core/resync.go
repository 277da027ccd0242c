package core

import (
	"context"
	"errors"

	"pkt.systems/cursorwin/schema"
)

// Resync discards the buffer and rebuilds it around the active row. When the
// active row no longer exists, exact returns ErrRecordNotFound; otherwise the
// following row (or the last one) becomes active. With center set the active
// row is placed in the middle of the buffer; otherwise it keeps its previous
// buffer offset where the data allows.
func (m *Manager) Resync(ctx context.Context, exact, center bool) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	if err := m.seekActive(ctx, exact); err != nil {
		return err
	}
	return m.resync(ctx, exact, center)
}

// seekActive positions the remote cursor on the active row, or on the row
// after it when it has been removed from the source.
func (m *Manager) seekActive(ctx context.Context, exact bool) error {
	b := m.buf
	if b.empty() {
		return nil
	}
	err := m.gotoSlot(ctx, b.active, true, true)
	if !errors.Is(err, schema.ErrBookmarkNotFound) {
		return err
	}
	if exact {
		return schema.ErrRecordNotFound
	}
	_, err = m.cursor.Next(ctx)
	return err
}

// resync rebuilds the buffer around the cursor's current position.
func (m *Manager) resync(ctx context.Context, exact, center bool) error {
	prior := 0
	if !m.buf.empty() {
		prior = m.buf.active
	}
	return m.rebuild(ctx, exact, center, prior, m.windowLocals())
}

// rebuild refills the buffer around the cursor's current position with the
// active row at index prior, then restores window offsets from locals.
func (m *Manager) rebuild(ctx context.Context, exact, center bool, prior int, locals []int) error {
	if exact && (m.cursor.IsBOF() || m.cursor.IsEOF()) {
		return schema.ErrRecordNotFound
	}
	b := m.buf
	m.clear(ctx)
	m.bof, m.eof = false, false

	if m.cursor.IsEOF() || m.cursor.IsBOF() {
		var err error
		if m.cursor.IsEOF() {
			_, err = m.cursor.Prior(ctx)
		} else {
			_, err = m.cursor.Next(ctx)
		}
		if err != nil {
			return err
		}
		if m.cursor.IsBOF() || m.cursor.IsEOF() {
			m.bof, m.eof = true, true
			m.rebaseWindows()
			m.logger.Debug("resync found no rows")
			m.notify(schema.ChangeDataChanged, 0)
			return nil
		}
	}
	if err := m.selectSlot(ctx, 0); err != nil {
		return err
	}
	b.active, b.lastFilled, b.remoteSync = 0, 0, 0

	count := prior
	if center {
		count = (b.usable() - 1) / 2
	}
	count = min(count, b.usable()-1)
	for i := 0; i < count; i++ {
		fetched, err := m.growBackward(ctx)
		if err != nil {
			return err
		}
		if !fetched {
			break
		}
	}
	if err := m.drainForward(ctx); err != nil {
		return err
	}
	if _, err := m.drainBackward(ctx); err != nil {
		return err
	}
	m.restoreWindowLocals(locals)
	m.logger.Debug("resynced window buffer", "rows", b.lastFilled+1, "active", b.active, "center", center)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Locate seeks the row matching key and rebuilds the buffer centered on it.
// It reports false when no row matches; the buffer is left as it was.
func (m *Manager) Locate(ctx context.Context, key schema.Row) (bool, error) {
	if err := m.requireOpen(); err != nil {
		return false, err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return false, err
	}
	m.buf.remoteSync = -1
	ok, err := m.cursor.FindKey(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := m.resync(ctx, true, true); err != nil {
		return false, err
	}
	return true, nil
}

// FindNearest seeks the first row at or after key and rebuilds the buffer
// centered on it.
func (m *Manager) FindNearest(ctx context.Context, key schema.Row) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	m.buf.remoteSync = -1
	if err := m.cursor.FindNearest(ctx, key); err != nil {
		return err
	}
	return m.resync(ctx, false, true)
}

// RefreshRow re-reads the active row from the source in place. When the row
// no longer exists the buffer is rebuilt around the cursor and
// ErrRecordNotFound is returned.
func (m *Manager) RefreshRow(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
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
	s := b.at(b.active)
	row, ok, err := m.cursor.Refresh(ctx, s.row)
	if err != nil {
		return err
	}
	if !ok {
		b.remoteSync = -1
		if err := m.seekActive(ctx, false); err != nil {
			return err
		}
		if err := m.resync(ctx, false, false); err != nil {
			return err
		}
		return schema.ErrRecordNotFound
	}
	s.row = row
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}
