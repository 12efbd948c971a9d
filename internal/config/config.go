// Package config holds the analysis configuration: policy selection,
// saturation threshold, worker pool size and layer snapshot paths. The core
// engine consumes these as already-resolved constructor parameters;
// validation fails fast at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy names accepted by the "policy" key.
const (
	PolicyDefault = "default"
	PolicySite    = "allocation-site"
)

// Config is the resolved analysis configuration.
type Config struct {
	// Policy selects the context-sensitivity strategy.
	Policy string `yaml:"policy"`

	// SaturationThreshold is the per-invoke callee limit before the fall
	// back to context-insensitive tracking. A tunable, not a constant.
	SaturationThreshold int `yaml:"saturation_threshold"`

	// Workers sizes the analysis worker pool. Zero means NumCPU.
	Workers int `yaml:"workers"`

	// BaseLayer is the path of a layer snapshot to load before analysis.
	BaseLayer string `yaml:"base_layer,omitempty"`

	// WriteLayer is the path to persist this build's snapshot to.
	WriteLayer string `yaml:"write_layer,omitempty"`

	// Stats enables analysis diagnostics collection.
	Stats bool `yaml:"stats,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Policy:              PolicyDefault,
		SaturationThreshold: 8,
		LogLevel:            "info",
	}
}

// Load reads and validates a yaml configuration file. Missing keys keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects bad option combinations before any analysis starts.
func (c *Config) Validate() error {
	if c.Policy != PolicyDefault && c.Policy != PolicySite {
		return fmt.Errorf("unknown policy %q, want %q or %q", c.Policy, PolicyDefault, PolicySite)
	}
	if c.SaturationThreshold <= 0 {
		return fmt.Errorf("saturation_threshold must be positive, got %d", c.SaturationThreshold)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.BaseLayer != "" {
		if _, err := os.Stat(c.BaseLayer); err != nil {
			return fmt.Errorf("base layer snapshot: %w", err)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level to slog.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}
