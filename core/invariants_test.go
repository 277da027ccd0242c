package core

import (
	"context"
	"io"
	"testing"

	"pkt.systems/cursorwin/internal/memcursor"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

type fixture struct {
	mgr     *Manager
	cursor  *memcursor.Cursor
	table   *memcursor.Table
	windows []*Window
}

func newFixture(t *testing.T, table *memcursor.Table, cfg schema.ManagerConfig, sizes ...int) *fixture {
	t.Helper()
	cursor := memcursor.NewCursor(table)
	mgr, err := NewManager(cfg, cursor, ManagerDeps{Logger: testLogger()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f := &fixture{mgr: mgr, cursor: cursor, table: table}
	ctx := context.Background()
	for _, size := range sizes {
		w, err := mgr.RegisterWindow(ctx, size)
		if err != nil {
			t.Fatalf("register window: %v", err)
		}
		f.windows = append(f.windows, w)
	}
	if err := mgr.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	assertInvariants(t, mgr)
	return f
}

func newSeqFixture(t *testing.T, rows int, sizes ...int) *fixture {
	t.Helper()
	return newFixture(t, memcursor.Seq(rows), schema.ManagerConfig{}, sizes...)
}

// assertInvariants checks the buffer and window invariants directly.
func assertInvariants(t *testing.T, m *Manager) {
	t.Helper()
	if !m.open {
		return
	}
	b := m.buf
	if b.lastFilled > b.usable()-1 {
		t.Fatalf("lastFilled %d beyond usable slots %d", b.lastFilled, b.usable())
	}
	if b.lastFilled >= 0 && (b.active < 0 || b.active > b.lastFilled) {
		t.Fatalf("active %d outside [0,%d]", b.active, b.lastFilled)
	}
	if b.remoteSync > b.lastFilled {
		t.Fatalf("remoteSync %d beyond lastFilled %d", b.remoteSync, b.lastFilled)
	}
	seen := map[schema.Bookmark]bool{}
	for i := 0; i < b.capacity(); i++ {
		s := b.at(i)
		if i > b.lastFilled {
			if s.filled() || s.bookmark != "" {
				t.Fatalf("slot %d beyond lastFilled %d is not empty: %+v", i, b.lastFilled, *s)
			}
			continue
		}
		if s.isBOF && i != 0 {
			t.Fatalf("BOF flag on slot %d", i)
		}
		if s.isEOF && i != b.lastFilled {
			t.Fatalf("EOF flag on slot %d, lastFilled %d", i, b.lastFilled)
		}
		if s.isInserted && s.bookmark != "" {
			t.Fatalf("staged slot %d owns bookmark %q", i, s.bookmark)
		}
		if s.bookmark != "" {
			if seen[s.bookmark] {
				t.Fatalf("bookmark %q held twice", s.bookmark)
			}
			seen[s.bookmark] = true
		}
	}
	if b.empty() {
		return
	}
	for _, w := range m.windows {
		if w.anchor > b.active || b.active > w.anchor+w.size-1 {
			t.Fatalf("window %d [%d,%d] does not contain active %d", w.id, w.anchor, w.anchor+w.size-1, b.active)
		}
		if w.anchor < 0 {
			t.Fatalf("window %d anchor %d negative", w.id, w.anchor)
		}
	}
}

// assertNoLeaks checks that the cursor's outstanding bookmarks are exactly
// the ones the buffer holds.
func assertNoLeaks(t *testing.T, f *fixture) {
	t.Helper()
	held := 0
	if f.mgr.open {
		held = len(f.mgr.buf.bookmarks(0, f.mgr.buf.scratch()))
		if p := f.mgr.edit.parked; p != nil && p.bookmark != "" {
			held++
		}
	}
	if got := f.cursor.Outstanding(); got != held {
		t.Fatalf("outstanding bookmarks %d, buffer holds %d", got, held)
	}
	if n := f.cursor.DoubleDisposed(); n != 0 {
		t.Fatalf("double disposed %d bookmarks", n)
	}
}

// assertConsecutive checks that buffered rows of a Seq table are consecutive.
func assertConsecutive(t *testing.T, m *Manager) {
	t.Helper()
	b := m.buf
	for i := 1; i <= b.lastFilled; i++ {
		prev, _ := memcursor.KeyOf(b.at(i - 1).row["id"])
		cur, _ := memcursor.KeyOf(b.at(i).row["id"])
		if cur != prev+1 {
			t.Fatalf("slot %d id %d does not follow %d", i, cur, prev)
		}
	}
}

func activeID(t *testing.T, m *Manager) int64 {
	t.Helper()
	row, ok := m.ActiveRow()
	if !ok {
		t.Fatalf("no active row")
	}
	id, ok := memcursor.KeyOf(row["id"])
	if !ok {
		t.Fatalf("active row has no id: %+v", row)
	}
	return id
}

func windowIDs(m *Manager, w *Window) []int64 {
	var ids []int64
	for i := 0; i < w.Size(); i++ {
		row, ok := m.ReadSlot(w, i)
		if !ok {
			break
		}
		id, _ := memcursor.KeyOf(row["id"])
		ids = append(ids, id)
	}
	return ids
}

func equalIDs(a []int64, b ...int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
