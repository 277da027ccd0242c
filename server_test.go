package cursorwin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/httpapi"
	"pkt.systems/cursorwin/internal/cursorrpc"
	"pkt.systems/cursorwin/internal/memcursor"
	"pkt.systems/cursorwin/sshserver"
	"pkt.systems/pslog"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

func testRegistry(t *testing.T, rows int) *core.Registry {
	t.Helper()
	table := memcursor.Seq(rows)
	registry := core.NewRegistry()
	err := registry.Register("people", core.CursorSourceFunc(func(context.Context) (core.SessionCursor, error) {
		return memcursor.NewCursor(table), nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry
}

func TestNewRequiresServicesAndRegistry(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{Registry: core.NewRegistry()}); err == nil {
		t.Fatalf("expected error without services")
	}
	if _, err := New(ServerConfig{}, ServerDeps{}, WithRPC()); err == nil {
		t.Fatalf("expected error without registry")
	}
	cfg := ServerConfig{SSH: sshserver.Config{AuthorizedKeysPath: filepath.Join(t.TempDir(), "missing")}}
	if _, err := New(cfg, ServerDeps{Registry: core.NewRegistry()}, WithSSH()); err == nil {
		t.Fatalf("expected error for missing authorized keys")
	}
}

func TestServerLifecycleWithoutStart(t *testing.T) {
	srv, err := New(ServerConfig{}, ServerDeps{Registry: core.NewRegistry(), Logger: testLogger()}, WithRPC())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected wait before start to fail")
	}
}

func TestServerServesRPCUntilStopped(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "cursor.sock")
	cfg := ServerConfig{RPC: cursorrpc.Config{Addr: "unix://" + socket}}
	srv, err := New(cfg, ServerDeps{Registry: testRegistry(t, 5), Logger: testLogger()}, WithRPC())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := pslog.ContextWithLogger(context.Background(), testLogger())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- srv.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", socket)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket not ready: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	client, err := cursorrpc.Dial(ctx, cfg.RPC.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	cursor, err := client.Open(ctx, "people")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, err := cursor.Last(ctx)
	if err != nil || !ok {
		t.Fatalf("last: %v %v", ok, err)
	}
	row, err := cursor.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if row["id"] != int64(5) {
		t.Fatalf("expected last row 5, got %+v", row)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return")
	}
}

func TestServerServesHTTPUntilStopped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := ServerConfig{HTTP: httpapi.Config{Addr: addr}}
	srv, err := New(cfg, ServerDeps{Registry: testRegistry(t, 5), Logger: testLogger()}, WithHTTP())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := pslog.ContextWithLogger(context.Background(), testLogger())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- srv.Wait()
	}()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/api/sources/people/window?last=true")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("http api not ready: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	var payload httpapi.WindowPayload
	err = json.NewDecoder(resp.Body).Decode(&payload)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.EOF || len(payload.Rows) != 5 {
		t.Fatalf("unexpected window %+v", payload)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return")
	}
}
