package schema

import "fmt"

// ManagerConfig defines defaults for a window manager.
type ManagerConfig struct {
	// DefaultWindowSize is used when a window registers with size zero.
	DefaultWindowSize int
	// PostMode selects refresh or in-place reconciliation after Post.
	PostMode PostMode
	// Defaults seeds staged rows created by Insert and Append.
	Defaults Row
}

// DefaultWindowSize is the window size used when none is configured.
const DefaultWindowSize = 20

// NormalizeManagerConfig applies defaults and validates the config.
func NormalizeManagerConfig(cfg ManagerConfig) (ManagerConfig, error) {
	if cfg.DefaultWindowSize <= 0 {
		cfg.DefaultWindowSize = DefaultWindowSize
	}
	switch cfg.PostMode {
	case "":
		cfg.PostMode = PostModeRefresh
	case PostModeRefresh, PostModeInPlace:
	default:
		return ManagerConfig{}, fmt.Errorf("unsupported post mode %q", cfg.PostMode)
	}
	cfg.Defaults = cfg.Defaults.Clone()
	return cfg, nil
}
