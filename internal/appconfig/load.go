package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/cursorwin/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("source.driver", cfg.Source.Driver)
	v.SetDefault("source.path", cfg.Source.Path)
	v.SetDefault("source.seed_rows", cfg.Source.SeedRows)
	v.SetDefault("source.tables", cfg.Source.Tables)
	v.SetDefault("window.default_size", cfg.Window.DefaultSize)
	v.SetDefault("window.post_mode", cfg.Window.PostMode)
	v.SetDefault("rpc.addr", cfg.RPC.Addr)
	v.SetDefault("rpc.remote", cfg.RPC.Remote)
	v.SetDefault("rpc.idle_timeout_minutes", cfg.RPC.IdleTimeoutMinutes)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.max_window_size", cfg.HTTP.MaxWindowSize)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateSourceConfig(cfg.Source); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.MaxWindowSize < 0 {
		return Config{}, fmt.Errorf("http.max_window_size must not be negative")
	}
	if _, err := schema.NormalizeManagerConfig(cfg.Window.ManagerConfig()); err != nil {
		return Config{}, fmt.Errorf("window.post_mode: %w", err)
	}
	return cfg, nil
}

func validateSourceConfig(cfg SourceConfig) error {
	switch cfg.Driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return fmt.Errorf("source.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported source.driver %q", cfg.Driver)
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("source.tables must name at least one table")
	}
	for i, table := range cfg.Tables {
		if !schema.ValidateIdentifier(table.Name) {
			return fmt.Errorf("source.tables[%d].name %q is not a valid identifier", i, table.Name)
		}
		if !schema.ValidateIdentifier(table.Key) {
			return fmt.Errorf("source.tables[%d].key %q is not a valid identifier", i, table.Key)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Source.Path = expandEnv(cfg.Source.Path)
	cfg.RPC.Addr = expandEnv(cfg.RPC.Addr)
	cfg.RPC.Remote = expandEnv(cfg.RPC.Remote)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
	cfg.HTTP.Addr = expandEnv(cfg.HTTP.Addr)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
