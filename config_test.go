package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jsonringd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9000"
memory_budget: 4096
log_level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 4096, cfg.MemoryBudget)
	assert.Equal(t, 50, cfg.History, "unset keys keep their defaults")
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")

	_, err = LoadConfig(writeConfig(t, "history: [1"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing listen", func(c *Config) { c.Listen = "" }},
		{"listen without port", func(c *Config) { c.Listen = "localhost" }},
		{"negative history", func(c *Config) { c.History = -1 }},
		{"negative budget", func(c *Config) { c.MemoryBudget = -1 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), "invalid config")
		})
	}
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"flag fails validation", []string{"--history", "-1"}, "invalid config"},
		{"flag overrides file", []string{"--config", writeConfig(t, "log_level: debug\n"), "--log-level", "loud"}, "invalid config"},
		{"missing file", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, "reading config"},
		{"extra argument", []string{"serve"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			cmd.SetArgs(tt.args)
			assert.ErrorContains(t, cmd.Execute(), tt.want)
		})
	}
}
