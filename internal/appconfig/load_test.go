package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/cursorwin/schema"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
source:
  driver: memory
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
source:
  driver: memory
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedDriver(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
source:
  driver: postgres
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported source.driver") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestLoadRejectsInvalidTable(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
source:
  driver: memory
  tables:
    - name: "items; drop"
      key: id
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "source.tables[0].name") {
		t.Fatalf("expected table name error, got %v", err)
	}
}

func TestLoadRejectsInvalidPostMode(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
window:
  post_mode: sideways
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "window.post_mode") {
		t.Fatalf("expected post mode error, got %v", err)
	}
}

func TestLoadRejectsNegativeHTTPWindowCap(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
http:
  max_window_size: -5
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "http.max_window_size") {
		t.Fatalf("expected http window cap error, got %v", err)
	}
}

func TestLoadHTTPOverrides(t *testing.T) {
	t.Setenv("CURSORWIN_HTTP", "0.0.0.0:9000")
	path := writeConfig(t, `
config_version: 1
http:
  addr: $CURSORWIN_HTTP
  base_path: /rows
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != "0.0.0.0:9000" || cfg.HTTP.BasePath != "/rows" {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.HTTP.MaxWindowSize != 200 {
		t.Fatalf("expected default window cap, got %d", cfg.HTTP.MaxWindowSize)
	}
}

func TestLoadAppliesOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("CURSORWIN_DATA", "/data")
	path := writeConfig(t, `
config_version: 1
source:
  driver: sqlite
  path: $CURSORWIN_DATA/rows.db
  tables:
    - name: people
      key: person_id
window:
  default_size: 7
  post_mode: in_place
rpc:
  remote: unix://$CURSORWIN_DATA/cursor.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.Path != "/data/rows.db" {
		t.Fatalf("expected expanded path, got %q", cfg.Source.Path)
	}
	if len(cfg.Source.Tables) != 1 || cfg.Source.Tables[0].Key != "person_id" {
		t.Fatalf("unexpected tables %+v", cfg.Source.Tables)
	}
	if cfg.Window.DefaultSize != 7 || cfg.Window.ManagerConfig().PostMode != schema.PostModeInPlace {
		t.Fatalf("unexpected window config %+v", cfg.Window)
	}
	if cfg.RPC.Remote != "unix:///data/cursor.sock" {
		t.Fatalf("unexpected remote %q", cfg.RPC.Remote)
	}
	if cfg.SSH.Addr == "" {
		t.Fatalf("expected ssh defaults to survive")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion || cfg.Source.Driver != DriverSQLite {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
