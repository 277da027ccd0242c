package core

import (
	"context"

	"pkt.systems/cursorwin/schema"
)

// MoveBy moves the active row by delta rows, fetching across the buffer edges
// as needed. It returns the signed number of rows actually moved; running into
// either end of the data is not an error and sets BOF or EOF.
func (m *Manager) MoveBy(ctx context.Context, delta int) (int, error) {
	if err := m.requireOpen(); err != nil {
		return 0, err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return 0, err
	}
	b := m.buf
	if delta == 0 || b.empty() {
		return 0, nil
	}
	m.bof, m.eof = false, false
	moved, shift := 0, 0
	var err error
	if delta > 0 {
		for moved < delta {
			if b.active < b.lastFilled {
				b.active++
				moved++
				continue
			}
			fetched, rotated, ferr := m.growForward(ctx)
			if ferr != nil {
				err = ferr
				break
			}
			if !fetched {
				m.eof = true
				break
			}
			if rotated {
				shift--
			}
			b.active++
			moved++
		}
	} else {
		for moved > delta {
			if b.active > 0 {
				b.active--
				moved--
				continue
			}
			fetched, ferr := m.growBackward(ctx)
			if ferr != nil {
				err = ferr
				break
			}
			if !fetched {
				m.bof = true
				break
			}
			shift++
			b.active--
			moved--
		}
	}
	m.shiftWindows(shift)
	m.rebaseWindows()
	m.logger.Trace("moved active row", "delta", delta, "moved", moved, "shift", shift, "bof", m.bof, "eof", m.eof)
	if shift != 0 {
		m.notify(schema.ChangeDataChanged, moved)
	} else if moved != 0 || m.bof || m.eof {
		m.notify(schema.ChangeActiveChanged, moved)
	}
	return moved, err
}

// Next moves the active row forward by one.
func (m *Manager) Next(ctx context.Context) error {
	_, err := m.MoveBy(ctx, 1)
	return err
}

// Prior moves the active row back by one.
func (m *Manager) Prior(ctx context.Context) error {
	_, err := m.MoveBy(ctx, -1)
	return err
}

// First rebuilds the buffer from the first row of the data.
func (m *Manager) First(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	m.clear(ctx)
	for _, w := range m.windows {
		w.anchor = 0
	}
	m.resizeEmpty(0, m.maxWindowSize()-1)
	ok, err := m.cursor.First(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := m.selectSlot(ctx, 0); err != nil {
			return err
		}
		b := m.buf
		b.active, b.lastFilled, b.remoteSync = 0, 0, 0
		b.at(0).isBOF = true
		if err := m.drainForward(ctx); err != nil {
			return err
		}
	}
	m.rebaseWindows()
	m.bof, m.eof = true, !ok
	m.logger.Debug("moved to first row", "rows", m.buf.lastFilled+1)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}

// Last rebuilds the buffer from the last row of the data, leaving the active
// row at the bottom of every window.
func (m *Manager) Last(ctx context.Context) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.checkBrowseMode(ctx); err != nil {
		return err
	}
	m.clear(ctx)
	m.resizeEmpty(-(m.maxWindowSize() - 1), 0)
	ok, err := m.cursor.Last(ctx)
	if err != nil {
		return err
	}
	b := m.buf
	if ok {
		if err := m.selectSlot(ctx, 0); err != nil {
			return err
		}
		b.active, b.lastFilled, b.remoteSync = 0, 0, 0
		b.at(0).isEOF = true
		if _, err := m.drainBackward(ctx); err != nil {
			return err
		}
	}
	for _, w := range m.windows {
		w.anchor = b.active - w.size + 1
	}
	m.rebaseWindows()
	m.bof, m.eof = !ok, true
	m.logger.Debug("moved to last row", "rows", b.lastFilled+1)
	m.notify(schema.ChangeDataChanged, 0)
	return nil
}
