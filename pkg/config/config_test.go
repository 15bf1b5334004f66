package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFlags(t *testing.T, args ...string) (*Config, *pflag.FlagSet) {
	t.Helper()

	cfg := Default()
	fs := pflag.NewFlagSet("acc-exporter", pflag.ContinueOnError)
	cfg.AddFlags(fs)

	require.NoError(t, fs.Parse(args))

	return &cfg, fs
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "acc-exporter.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":9200", cfg.ListenAddress)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "ZMETRIC", cfg.Table)
	assert.Equal(t, "ZCREATIONDATE", cfg.OrderColumn)
	assert.Equal(t, "acc_", cfg.MetricPrefix)
	assert.Equal(t, 5*time.Second, cfg.RestartDelay)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
listen_address = ":9300"
table = "ZFILE"
restart_delay = "30s"
workers = 3
metric_prefix = "file_"
`)

	t.Setenv("ACC_EXPORTER_TABLE", "ZENV")
	t.Setenv("ACC_EXPORTER_METRIC_PREFIX", "env_")

	cfg, fs := setupFlags(t, "--metric-prefix", "flag_")
	require.NoError(t, Load(fs, path))

	assert.Equal(t, ":9300", cfg.ListenAddress, "file over default")
	assert.Equal(t, 30*time.Second, cfg.RestartDelay, "file over default")
	assert.Equal(t, 3, cfg.Workers, "file over default")
	assert.Equal(t, "ZENV", cfg.Table, "env over file")
	assert.Equal(t, "flag_", cfg.MetricPrefix, "flag over env and file")
	assert.Equal(t, "ZCREATIONDATE", cfg.OrderColumn, "default untouched")
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("ACC_EXPORTER_RATE_LIMIT_WINDOW", "2s")

	cfg, fs := setupFlags(t)
	require.NoError(t, Load(fs, ""))

	assert.Equal(t, 2*time.Second, cfg.RateLimitWindow)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown setting", content: `nope = 1`},
		{name: "bad type", content: `workers = "many"`},
		{name: "table value", content: "[server]\nport = 1"},
		{name: "invalid toml", content: `listen_address = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fs := setupFlags(t)
			assert.Error(t, Load(fs, writeFile(t, tt.content)))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, fs := setupFlags(t)
	assert.Error(t, Load(fs, filepath.Join(t.TempDir(), "missing.toml")))
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("ACC_EXPORTER_RESTART_DELAY", "soon")

	_, fs := setupFlags(t)
	assert.Error(t, Load(fs, ""))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ACC_EXPORTER_LISTEN_ADDRESS", EnvKey("listen-address"))
	assert.Equal(t, "ACC_EXPORTER_WORKERS", EnvKey("workers"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "empty listen address", mutate: func(c *Config) { c.ListenAddress = "" }},
		{name: "relative metrics path", mutate: func(c *Config) { c.MetricsPath = "metrics" }},
		{name: "empty database path", mutate: func(c *Config) { c.DatabasePath = "" }},
		{name: "empty table", mutate: func(c *Config) { c.Table = "" }},
		{name: "empty order column", mutate: func(c *Config) { c.OrderColumn = "" }},
		{name: "zero restart delay", mutate: func(c *Config) { c.RestartDelay = 0 }},
		{name: "negative window", mutate: func(c *Config) { c.RateLimitWindow = -time.Second }},
		{name: "zero max clients", mutate: func(c *Config) { c.RateLimitMaxClients = 0 }},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }},
		{name: "relative telemetry path", mutate: func(c *Config) {
			c.TelemetryAddress = ":9201"
			c.TelemetryPath = "telemetry"
		}},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			assert.Error(t, cfg.Validate())
		})
	}
}
