package cursorrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/memcursor"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

type sourceChange struct {
	source schema.SourceName
	origin schema.SessionID
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []sourceChange
}

func (n *recordingNotifier) OnSourceChanged(source schema.SourceName, origin schema.SessionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, sourceChange{source: source, origin: origin})
}

func (n *recordingNotifier) snapshot() []sourceChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sourceChange(nil), n.changes...)
}

// tableSource registers a memcursor table and remembers every cursor it
// opens so tests can inspect server-side bookkeeping.
type tableSource struct {
	table *memcursor.Table

	mu      sync.Mutex
	cursors []*memcursor.Cursor
}

func (s *tableSource) OpenCursor(ctx context.Context) (core.SessionCursor, error) {
	cursor, err := s.table.OpenCursor(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cursors = append(s.cursors, cursor)
	s.mu.Unlock()
	return cursor, nil
}

func (s *tableSource) last() *memcursor.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[len(s.cursors)-1]
}

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

func startTestServer(t *testing.T, cfg Config, registry *core.Registry, notifier SourceNotifier) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "cursor.sock")
	listener, err := listen("unix://" + socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(cfg, registry, ServerDeps{Notifier: notifier, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, listener)
	}()
	waitForSocketReady(t, socketPath, time.Second)
	client, err := Dial(context.Background(), "unix://"+socketPath)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server exit: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv, client
}

func waitForSocketReady(t *testing.T, socketPath string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket not ready: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seqRegistry(t *testing.T, rows int) (*core.Registry, *tableSource) {
	t.Helper()
	src := &tableSource{table: memcursor.Seq(rows)}
	registry := core.NewRegistry()
	if err := registry.Register("people", src); err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry, src
}

func activeID(t *testing.T, m *core.Manager) int64 {
	t.Helper()
	row, ok := m.ActiveRow()
	if !ok {
		t.Fatalf("no active row")
	}
	id, ok := row["id"].(int64)
	if !ok {
		t.Fatalf("active row id is %T", row["id"])
	}
	return id
}

func TestManagerOverRemoteCursor(t *testing.T) {
	registry, src := seqRegistry(t, 30)
	notifier := &recordingNotifier{}
	srv, client := startTestServer(t, Config{}, registry, notifier)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cursor, err := client.Source("people").OpenCursor(ctx)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	if srv.SessionCount() != 1 {
		t.Fatalf("expected one session, got %d", srv.SessionCount())
	}
	mgr, err := core.NewManager(schema.ManagerConfig{}, cursor, core.ManagerDeps{Logger: testLogger()})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	w, err := mgr.RegisterWindow(ctx, 5)
	if err != nil {
		t.Fatalf("register window: %v", err)
	}
	if err := mgr.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if moved, err := mgr.MoveBy(ctx, 12); err != nil || moved != 12 {
		t.Fatalf("move: %d %v", moved, err)
	}
	if id := activeID(t, mgr); id != 13 {
		t.Fatalf("expected row 13, got %d", id)
	}
	if ok, err := mgr.Locate(ctx, schema.Row{"id": int64(25)}); err != nil || !ok {
		t.Fatalf("locate: %v %v", ok, err)
	}
	if id := activeID(t, mgr); id != 25 {
		t.Fatalf("expected row 25 after locate, got %d", id)
	}
	if mgr.ActiveLocalOffset(w) < 0 {
		t.Fatalf("expected active row inside window")
	}

	if err := mgr.Insert(ctx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mgr.SetField("name", "remote"); err != nil {
		t.Fatalf("set field: %v", err)
	}
	if err := mgr.Post(ctx); err != nil {
		t.Fatalf("post: %v", err)
	}
	if id := activeID(t, mgr); id != 31 {
		t.Fatalf("expected new row 31, got %d", id)
	}
	changes := notifier.snapshot()
	if len(changes) != 1 || changes[0].source != "people" || changes[0].origin != cursor.(*Cursor).SessionID() {
		t.Fatalf("unexpected change notifications %+v", changes)
	}

	if err := mgr.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if id := activeID(t, mgr); id != 30 {
		t.Fatalf("expected row 30 after deleting the last row, got %d", id)
	}
	if src.table.Len() != 30 {
		t.Fatalf("expected 30 rows after insert and delete, got %d", src.table.Len())
	}
	if len(notifier.snapshot()) != 2 {
		t.Fatalf("expected delete to be announced")
	}

	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("close manager: %v", err)
	}
	if n := src.last().Outstanding(); n != 0 {
		t.Fatalf("expected no outstanding bookmarks on the server, got %d", n)
	}
	if err := cursor.Close(ctx); err != nil {
		t.Fatalf("close cursor: %v", err)
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("expected session removed, got %d", srv.SessionCount())
	}
	if _, err := cursor.Next(ctx); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after close, got %v", err)
	}
}

func TestOpenUnknownSource(t *testing.T) {
	registry, _ := seqRegistry(t, 1)
	_, client := startTestServer(t, Config{}, registry, nil)
	_, err := client.Open(context.Background(), "missing")
	if !errors.Is(err, schema.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	var remote *core.RemoteError
	if !errors.As(err, &remote) || remote.Kind != core.RemoteErrorSourceNotFound {
		t.Fatalf("expected classified remote error, got %T %v", err, err)
	}
}

func TestRemoteCursorErrorsCarryServerMessage(t *testing.T) {
	registry, _ := seqRegistry(t, 2)
	_, client := startTestServer(t, Config{}, registry, nil)
	ctx := context.Background()
	cursor, err := client.Open(ctx, "people")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cursor.Close(ctx)
	_, err = cursor.Select(ctx)
	var remote *core.RemoteError
	if !errors.As(err, &remote) || remote.Kind != core.RemoteErrorCursor {
		t.Fatalf("expected cursor error, got %T %v", err, err)
	}
	if remote.Error() != memcursor.ErrNoCurrentRow.Error() {
		t.Fatalf("expected server message, got %q", remote.Error())
	}
	if !cursor.IsBOF() {
		t.Fatalf("expected new session on BOF")
	}
	ok, err := cursor.Last(ctx)
	if err != nil || !ok {
		t.Fatalf("last: %v %v", ok, err)
	}
	ok, err = cursor.Next(ctx)
	if err != nil || ok || !cursor.IsEOF() {
		t.Fatalf("expected EOF after last, ok=%v eof=%v err=%v", ok, cursor.IsEOF(), err)
	}
}

func TestReapIdleClosesSessions(t *testing.T) {
	registry, src := seqRegistry(t, 3)
	srv, client := startTestServer(t, Config{IdleTimeout: time.Minute}, registry, nil)
	ctx := context.Background()
	cursor, err := client.Open(ctx, "people")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := cursor.First(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}
	if n := srv.reapIdle(ctx, time.Now()); n != 0 {
		t.Fatalf("expected no idle sessions, got %d", n)
	}
	if n := srv.reapIdle(ctx, time.Now().Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected one idle session, got %d", n)
	}
	if _, err := src.last().Next(ctx); err == nil {
		t.Fatalf("expected server-side cursor to be closed")
	}
	if _, err := cursor.Next(ctx); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
