package sqlcursor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/schema"
)

func openSeeded(t *testing.T, n int) (*Store, *Source) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "data", "rows.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Seed(ctx, "items", n); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src, err := store.Source(ctx, "items", "id")
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	return store, src
}

func keyOf(t *testing.T, row schema.Row) int64 {
	t.Helper()
	id, ok := row["id"].(int64)
	if !ok {
		t.Fatalf("row without integer id: %+v", row)
	}
	return id
}

func TestSeedIsIdempotent(t *testing.T) {
	store, _ := openSeeded(t, 5)
	n, err := store.Seed(context.Background(), "items", 5)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows added to a filled table, got %d", n)
	}
	tables, err := store.Tables(context.Background())
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "items" {
		t.Fatalf("unexpected tables %v", tables)
	}
}

func TestSourceRequiresTable(t *testing.T) {
	store, _ := openSeeded(t, 1)
	if _, err := store.Source(context.Background(), "missing", "id"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := store.Source(context.Background(), "items;drop", "id"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestCursorWalksInKeyOrder(t *testing.T) {
	_, src := openSeeded(t, 3)
	c := src.Cursor()
	ctx := context.Background()
	if !c.IsBOF() {
		t.Fatalf("expected new cursor on BOF")
	}
	var ids []int64
	for {
		ok, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		row, err := c.Select(ctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		ids = append(ids, keyOf(t, row))
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if !c.IsEOF() {
		t.Fatalf("expected EOF after walking past the end")
	}
	ok, err := c.Prior(ctx)
	if err != nil || !ok {
		t.Fatalf("prior from EOF: %v %v", ok, err)
	}
	row, _ := c.Select(ctx)
	if keyOf(t, row) != 3 {
		t.Fatalf("expected last row, got %+v", row)
	}
}

func TestBookmarkOnDeletedRowLeavesGap(t *testing.T) {
	_, src := openSeeded(t, 5)
	c := src.Cursor()
	other := src.Cursor()
	ctx := context.Background()
	if _, err := c.FindKey(ctx, schema.Row{"id": int64(3)}); err != nil {
		t.Fatalf("find: %v", err)
	}
	bm, err := c.Bookmark(ctx)
	if err != nil {
		t.Fatalf("bookmark: %v", err)
	}
	if ok, err := other.FindKey(ctx, schema.Row{"id": int64(3)}); err != nil || !ok {
		t.Fatalf("other find: %v %v", ok, err)
	}
	if err := other.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	row, err := other.Select(ctx)
	if err != nil || keyOf(t, row) != 4 {
		t.Fatalf("expected delete to land on row 4, got %+v %v", row, err)
	}
	ok, err := c.GotoBookmark(ctx, bm, true)
	if err != nil || ok {
		t.Fatalf("expected bookmark miss, got %v %v", ok, err)
	}
	if ok, err := c.Next(ctx); err != nil || !ok {
		t.Fatalf("next from gap: %v %v", ok, err)
	}
	row, _ = c.Select(ctx)
	if keyOf(t, row) != 4 {
		t.Fatalf("expected row 4 after the gap, got %+v", row)
	}
	if err := c.DisposeBookmarks(ctx, []schema.Bookmark{bm}); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if c.Outstanding() != 0 {
		t.Fatalf("expected no outstanding bookmarks")
	}
	if err := c.DisposeBookmarks(ctx, []schema.Bookmark{bm}); err == nil {
		t.Fatalf("expected double dispose to fail")
	}
}

func TestInsertAssignsKeyAndRollbackDiscards(t *testing.T) {
	_, src := openSeeded(t, 2)
	c := src.Cursor()
	ctx := context.Background()
	if err := c.StartTransaction(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Insert(ctx, schema.Row{"id": int64(0), "name": "new", "qty": int64(4)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	row, err := c.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if keyOf(t, row) != 3 || row["name"] != "new" {
		t.Fatalf("unexpected inserted row %+v", row)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if ok, err := c.FindKey(ctx, schema.Row{"id": int64(3)}); err != nil || ok {
		t.Fatalf("expected rolled back row to be gone, got %v %v", ok, err)
	}
	if err := c.Insert(ctx, schema.Row{"name": "bad name", "no such": 1}); err == nil {
		t.Fatalf("expected invalid column error")
	}
}

func TestRollbackAfterFailedCommitSucceeds(t *testing.T) {
	_, src := openSeeded(t, 2)
	c := src.Cursor()
	txCtx, cancel := context.WithCancel(context.Background())
	if err := c.StartTransaction(txCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Insert(txCtx, schema.Row{"name": "lost", "qty": int64(1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cancel()
	ctx := context.Background()
	if err := c.Commit(ctx); err == nil {
		t.Fatalf("expected commit on cancelled transaction to fail")
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("rollback after failed commit: %v", err)
	}
	if err := c.Rollback(ctx); err == nil {
		t.Fatalf("expected second rollback to fail")
	}
	if ok, err := c.FindKey(ctx, schema.Row{"id": int64(3)}); err != nil || ok {
		t.Fatalf("expected uncommitted row to be gone, got %v %v", ok, err)
	}
	if err := c.StartTransaction(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestManagerOverSQLite(t *testing.T) {
	_, src := openSeeded(t, 12)
	ctx := context.Background()
	cursor, err := src.OpenCursor(ctx)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	defer cursor.Close(ctx)
	mgr, err := core.NewManager(schema.ManagerConfig{}, cursor, core.ManagerDeps{})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	w, err := mgr.RegisterWindow(ctx, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if moved, err := mgr.MoveBy(ctx, 6); err != nil || moved != 6 {
		t.Fatalf("move: %d %v", moved, err)
	}
	row, _ := mgr.ActiveRow()
	if keyOf(t, row) != 7 {
		t.Fatalf("expected active row 7, got %+v", row)
	}
	if mgr.ActiveLocalOffset(w) != 3 {
		t.Fatalf("expected active at bottom of window, got %d", mgr.ActiveLocalOffset(w))
	}

	if err := mgr.Edit(ctx); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := mgr.SetField("name", "renamed"); err != nil {
		t.Fatalf("set field: %v", err)
	}
	if err := mgr.Post(ctx); err != nil {
		t.Fatalf("post: %v", err)
	}
	row, _ = mgr.ActiveRow()
	if keyOf(t, row) != 7 || row["name"] != "renamed" {
		t.Fatalf("unexpected row after post %+v", row)
	}

	if err := mgr.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	row, _ = mgr.ActiveRow()
	if keyOf(t, row) != 8 {
		t.Fatalf("expected row 8 after delete, got %+v", row)
	}

	if err := mgr.Append(ctx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.SetField("name", "tail"); err != nil {
		t.Fatalf("set field: %v", err)
	}
	if err := mgr.Post(ctx); err != nil {
		t.Fatalf("post append: %v", err)
	}
	row, _ = mgr.ActiveRow()
	if keyOf(t, row) != 13 || row["name"] != "tail" {
		t.Fatalf("unexpected appended row %+v", row)
	}
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := cursor.(*Cursor).Outstanding(); n != 0 {
		t.Fatalf("expected bookmarks released on close, got %d", n)
	}
}
