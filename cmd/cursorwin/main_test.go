package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/cursorwin/internal/appconfig"
	"pkt.systems/pslog"
)

func testContext() context.Context {
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
	return pslog.ContextWithLogger(context.Background(), logger)
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(testContext())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "browse", "seed", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("missing command %q: %v", name, err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected version output")
	}
}

func TestConfigInitWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, err := runRoot(t, "config", "init", "-o", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := appconfig.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.ConfigVersion != appconfig.CurrentConfigVersion {
		t.Fatalf("unexpected config version %d", cfg.ConfigVersion)
	}
	if _, err := runRoot(t, "config", "init", "-o", path); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := runRoot(t, "config", "init", "-o", path, "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
}

func TestToServerConfig(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Source.Tables = []appconfig.TableConfig{{Name: "orders", Key: "id"}, {Name: "items", Key: "id"}}
	cfg.RPC.IdleTimeoutMinutes = 2
	cfg.HTTP.BasePath = "/rows"
	out := toServerConfig(cfg)
	if out.SSH.Source != "orders" {
		t.Fatalf("expected first table as default source, got %q", out.SSH.Source)
	}
	if out.RPC.IdleTimeout.Minutes() != 2 {
		t.Fatalf("unexpected idle timeout %v", out.RPC.IdleTimeout)
	}
	if out.HTTP.Addr != cfg.HTTP.Addr || out.HTTP.BasePath != "/rows" {
		t.Fatalf("unexpected http config %+v", out.HTTP)
	}
	if out.Window.DefaultWindowSize != cfg.Window.DefaultSize {
		t.Fatalf("unexpected window size %d", out.Window.DefaultWindowSize)
	}
}
