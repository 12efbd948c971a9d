package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "typeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, PolicyDefault, cfg.Policy)
	require.Equal(t, 8, cfg.SaturationThreshold)
	require.Equal(t, 0, cfg.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
policy: allocation-site
saturation_threshold: 3
workers: 4
stats: true
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, PolicySite, cfg.Policy)
	require.Equal(t, 3, cfg.SaturationThreshold)
	require.Equal(t, 4, cfg.Workers)
	require.True(t, cfg.Stats)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "workers: 2\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, PolicyDefault, cfg.Policy)
	require.Equal(t, 8, cfg.SaturationThreshold)
	require.Equal(t, 2, cfg.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	existing := writeConfig(t, "{}\n")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid site policy",
			mutate: func(c *Config) { c.Policy = PolicySite },
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Policy = "2-cfa" },
			wantErr: "unknown policy",
		},
		{
			name:    "zero threshold",
			mutate:  func(c *Config) { c.SaturationThreshold = 0 },
			wantErr: "saturation_threshold must be positive",
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Workers = -1 },
			wantErr: "workers must not be negative",
		},
		{
			name:   "existing base layer",
			mutate: func(c *Config) { c.BaseLayer = existing },
		},
		{
			name:    "missing base layer",
			mutate:  func(c *Config) { c.BaseLayer = filepath.Join(t.TempDir(), "absent.json") },
			wantErr: "base layer snapshot",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "unknown log_level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
