package core

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/cursorwin/internal/memcursor"
	"pkt.systems/cursorwin/schema"
)

func steppedTable(t *testing.T, n int) *memcursor.Table {
	t.Helper()
	rows := make([]schema.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, schema.Row{"id": int64(i * 10), "name": "row"})
	}
	table, err := memcursor.NewTable("id", rows...)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return table
}

func removeRow(t *testing.T, table *memcursor.Table, id int64) {
	t.Helper()
	ctx := context.Background()
	other := memcursor.NewCursor(table)
	ok, err := other.FindKey(ctx, schema.Row{"id": id})
	if err != nil || !ok {
		t.Fatalf("find row %d: %v %v", id, ok, err)
	}
	if err := other.Delete(ctx); err != nil {
		t.Fatalf("delete row %d: %v", id, err)
	}
}

func TestResyncRoundTripPreservesOffset(t *testing.T) {
	f := newSeqFixture(t, 20, 5)
	m, w := f.mgr, f.windows[0]
	ctx := context.Background()
	if _, err := m.MoveBy(ctx, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	before := windowIDs(m, w)
	if err := m.Resync(ctx, false, false); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if after := windowIDs(m, w); !equalIDs(after, before...) {
		t.Fatalf("rows changed across resync: %v -> %v", before, after)
	}
	if m.ActiveLocalOffset(w) != 2 || activeID(t, m) != 3 {
		t.Fatalf("active moved across resync: local %d id %d", m.ActiveLocalOffset(w), activeID(t, m))
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}

func TestResyncCenterPlacesActiveMidBuffer(t *testing.T) {
	f := newSeqFixture(t, 20, 5)
	m, w := f.mgr, f.windows[0]
	ctx := context.Background()
	if _, err := m.MoveBy(ctx, 10); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := m.Resync(ctx, false, true); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if ids := windowIDs(m, w); !equalIDs(ids, 9, 10, 11, 12, 13) {
		t.Fatalf("unexpected rows %v", ids)
	}
	if m.ActiveLocalOffset(w) != 2 {
		t.Fatalf("expected active at local 2, got %d", m.ActiveLocalOffset(w))
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}

func TestResyncExactFailsWhenActiveRowRemoved(t *testing.T) {
	f := newSeqFixture(t, 10, 5)
	m, w := f.mgr, f.windows[0]
	ctx := context.Background()
	if _, err := m.MoveBy(ctx, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	removeRow(t, f.table, 3)

	if err := m.Resync(ctx, true, false); !errors.Is(err, schema.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if ids := windowIDs(m, w); !equalIDs(ids, 1, 2, 3, 4, 5) {
		t.Fatalf("buffer changed on failed resync: %v", ids)
	}
	if err := m.Resync(ctx, false, false); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if id := activeID(t, m); id != 4 {
		t.Fatalf("expected following row 4 active, got %d", id)
	}
	if ids := windowIDs(m, w); !equalIDs(ids, 1, 2, 4, 5, 6) {
		t.Fatalf("unexpected rows %v", ids)
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}

func TestLocateCentersRow(t *testing.T) {
	f := newSeqFixture(t, 50, 5)
	m, w := f.mgr, f.windows[0]
	ctx := context.Background()
	ok, err := m.Locate(ctx, schema.Row{"id": int64(30)})
	if err != nil || !ok {
		t.Fatalf("locate: %v %v", ok, err)
	}
	if ids := windowIDs(m, w); !equalIDs(ids, 28, 29, 30, 31, 32) {
		t.Fatalf("unexpected rows %v", ids)
	}
	if m.ActiveLocalOffset(w) != 2 {
		t.Fatalf("expected active at local 2, got %d", m.ActiveLocalOffset(w))
	}
	ok, err = m.Locate(ctx, schema.Row{"id": int64(999)})
	if err != nil || ok {
		t.Fatalf("expected miss, got %v %v", ok, err)
	}
	if id := activeID(t, m); id != 30 {
		t.Fatalf("miss moved the active row to %d", id)
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}

func TestFindNearestLandsOnFollowingKey(t *testing.T) {
	f := newFixture(t, steppedTable(t, 10), schema.ManagerConfig{}, 5)
	m := f.mgr
	ctx := context.Background()
	if err := m.FindNearest(ctx, schema.Row{"id": int64(25)}); err != nil {
		t.Fatalf("find nearest: %v", err)
	}
	if id := activeID(t, m); id != 30 {
		t.Fatalf("expected row 30, got %d", id)
	}
	if err := m.FindNearest(ctx, schema.Row{"id": int64(1000)}); err != nil {
		t.Fatalf("find nearest past end: %v", err)
	}
	if id := activeID(t, m); id != 100 {
		t.Fatalf("expected last row 100, got %d", id)
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}

func TestRefreshRowPicksUpRemoteChange(t *testing.T) {
	f := newSeqFixture(t, 10, 3)
	m := f.mgr
	ctx := context.Background()
	if _, err := m.MoveBy(ctx, 1); err != nil {
		t.Fatalf("move: %v", err)
	}
	other := memcursor.NewCursor(f.table)
	if ok, err := other.FindKey(ctx, schema.Row{"id": int64(2)}); err != nil || !ok {
		t.Fatalf("find: %v %v", ok, err)
	}
	if err := other.Update(ctx, schema.Row{"name": "changed"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.RefreshRow(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	row, _ := m.ActiveRow()
	if row["name"] != "changed" {
		t.Fatalf("expected refreshed row, got %+v", row)
	}
	removeRow(t, f.table, 2)
	if err := m.RefreshRow(ctx); !errors.Is(err, schema.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if id := activeID(t, m); id != 3 {
		t.Fatalf("expected following row 3 active, got %d", id)
	}
	assertInvariants(t, m)
	assertNoLeaks(t, f)
}
