package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/cursorwin/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int          `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string       `mapstructure:"state_dir" yaml:"state_dir"`
	Source        SourceConfig `mapstructure:"source" yaml:"source"`
	Window        WindowConfig `mapstructure:"window" yaml:"window"`
	RPC           RPCConfig    `mapstructure:"rpc" yaml:"rpc"`
	SSH           SSHConfig    `mapstructure:"ssh" yaml:"ssh"`
	HTTP          HTTPConfig   `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Source drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// SourceConfig selects the backing store and the tables served as sources.
type SourceConfig struct {
	Driver   string        `mapstructure:"driver" yaml:"driver"`
	Path     string        `mapstructure:"path" yaml:"path"`
	SeedRows int           `mapstructure:"seed_rows" yaml:"seed_rows"`
	Tables   []TableConfig `mapstructure:"tables" yaml:"tables"`
}

// TableConfig names one table and its integer key column.
type TableConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Key  string `mapstructure:"key" yaml:"key"`
}

// WindowConfig controls window manager defaults.
type WindowConfig struct {
	DefaultSize int    `mapstructure:"default_size" yaml:"default_size"`
	PostMode    string `mapstructure:"post_mode" yaml:"post_mode"`
}

// ManagerConfig converts the window settings for core.NewManager.
func (c WindowConfig) ManagerConfig() schema.ManagerConfig {
	return schema.ManagerConfig{
		DefaultWindowSize: c.DefaultSize,
		PostMode:          schema.PostMode(c.PostMode),
	}
}

// RPCConfig configures the cursor gRPC server and the address clients dial.
type RPCConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	Remote             string `mapstructure:"remote" yaml:"remote"`
	IdleTimeoutMinutes int    `mapstructure:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
}

// SSHConfig configures the SSH row browser.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	BasePath      string `mapstructure:"base_path" yaml:"base_path"`
	MaxWindowSize int    `mapstructure:"max_window_size" yaml:"max_window_size"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".cursorwin")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Source: SourceConfig{
			Driver:   DriverSQLite,
			Path:     filepath.Join(base, "state", "cursorwin.db"),
			SeedRows: 500,
			Tables: []TableConfig{
				{Name: "items", Key: "id"},
			},
		},
		Window: WindowConfig{
			DefaultSize: schema.DefaultWindowSize,
			PostMode:    string(schema.PostModeRefresh),
		},
		RPC: RPCConfig{
			Addr:               "unix://" + filepath.Join(base, "state", "cursor.sock"),
			Remote:             "",
			IdleTimeoutMinutes: 30,
		},
		SSH: SSHConfig{
			Addr:               ":27522",
			HostKeyPath:        filepath.Join(base, "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
		},
		HTTP: HTTPConfig{
			Addr:          "127.0.0.1:27580",
			BasePath:      "",
			MaxWindowSize: 200,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cursorwin", "config.yaml"), nil
}
