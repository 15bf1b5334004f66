// Package config holds the exporter's settings and layers them from defaults,
// a TOML file, the environment and command line flags.
//
// Every setting is a flag. The file uses the flag names with underscores
// (`listen_address = ":9200"`) and the environment uses the same names,
// upper-cased and prefixed (`ACC_EXPORTER_LISTEN_ADDRESS=:9200`). Precedence,
// highest first: flags given on the command line, environment, file,
// defaults.
//
package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
//
const EnvPrefix = "ACC_EXPORTER_"

// DefaultDatabasePath is where the content cache keeps its metrics.
//
const DefaultDatabasePath = "/Library/Application Support/Apple/AssetCache/Metrics/Metrics.db"

type Config struct {
	ListenAddress string
	MetricsPath   string

	DatabasePath string
	Table        string
	OrderColumn  string
	MetricPrefix string

	ErrorLogPath string
	RestartDelay time.Duration

	RateLimitWindow     time.Duration
	RateLimitMaxClients int
	Workers             int

	TelemetryAddress string
	TelemetryPath    string

	GeoIPFilepath string

	LogLevel  int
	LogFormat string
}

// Default returns the settings used when nothing else is configured.
//
func Default() Config {
	return Config{
		ListenAddress:       ":9200",
		MetricsPath:         "/metrics",
		DatabasePath:        DefaultDatabasePath,
		Table:               "ZMETRIC",
		OrderColumn:         "ZCREATIONDATE",
		MetricPrefix:        "acc_",
		ErrorLogPath:        "/var/log/acc-exporter.err.log",
		RestartDelay:        5 * time.Second,
		RateLimitWindow:     time.Second,
		RateLimitMaxClients: 1024,
		Workers:             runtime.NumCPU(),
		TelemetryPath:       "/metrics",
		LogFormat:           "console",
	}
}

// AddFlags registers one flag per setting, defaulting to the current values
// of c and writing into c when parsed.
//
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddress, "listen-address",
		c.ListenAddress, "address to bind the metrics server to")

	fs.StringVar(&c.MetricsPath, "metrics-path",
		c.MetricsPath, "endpoint at which the metrics document is served")

	fs.StringVar(&c.DatabasePath, "database-path",
		c.DatabasePath, "filepath of the sqlite database to read "+
			"metrics from")

	fs.StringVar(&c.Table, "table",
		c.Table, "table holding one row per metrics sample")

	fs.StringVar(&c.OrderColumn, "order-column",
		c.OrderColumn, "column whose highest value marks the newest row")

	fs.StringVar(&c.MetricPrefix, "metric-prefix",
		c.MetricPrefix, "namespace prepended to every metric name")

	fs.StringVar(&c.ErrorLogPath, "error-log-path",
		c.ErrorLogPath, "file failures are appended to (empty disables)")

	fs.DurationVar(&c.RestartDelay, "restart-delay",
		c.RestartDelay, "time to wait before restarting a failed listener")

	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window",
		c.RateLimitWindow, "minimum time between two accepted requests "+
			"declaring the same host")

	fs.IntVar(&c.RateLimitMaxClients, "rate-limit-max-clients",
		c.RateLimitMaxClients, "number of client hosts remembered by "+
			"the rate limiter")

	fs.IntVar(&c.Workers, "workers",
		c.Workers, "maximum number of concurrent database reads")

	fs.StringVar(&c.TelemetryAddress, "telemetry-address",
		c.TelemetryAddress, "address to serve the exporter's own metrics "+
			"on (empty disables)")

	fs.StringVar(&c.TelemetryPath, "telemetry-path",
		c.TelemetryPath, "endpoint at which the exporter's own metrics "+
			"are served")

	fs.StringVar(&c.GeoIPFilepath, "geoip-filepath",
		c.GeoIPFilepath, "filepath of a geoip database file used to add "+
			"countries to security events")

	fs.IntVar(&c.LogLevel, "log-level",
		c.LogLevel, "verbosity of the logs, higher is more verbose")

	fs.StringVar(&c.LogFormat, "log-format",
		c.LogFormat, "format of the logs (console, json)")
}

// Load applies the file at path (if not empty) and then the environment on
// top of the flags in fs, keeping the value of every flag that was set on the
// command line.
//
func Load(fs *pflag.FlagSet, path string) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if path != "" {
		if err := loadFile(fs, path); err != nil {
			return fmt.Errorf("load file: %w", err)
		}
	}

	if err := loadEnv(fs); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("restore flag '%s': %w", name, err)
		}
	}

	return nil
}

func loadFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read '%s': %w", path, err)
	}

	values := map[string]interface{}{}
	if err := toml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("toml unmarshal '%s': %w", path, err)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		if fs.Lookup(name) == nil {
			return fmt.Errorf("unknown setting '%s'", key)
		}

		switch values[key].(type) {
		case map[string]interface{}, []interface{}:
			return fmt.Errorf("setting '%s' must be a scalar", key)
		}

		if err := fs.Set(name, fmt.Sprint(values[key])); err != nil {
			return fmt.Errorf("set '%s': %w", key, err)
		}
	}

	return nil
}

func loadEnv(fs *pflag.FlagSet) error {
	var err error

	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		if f.Name == "help" {
			return
		}

		key := EnvKey(f.Name)

		value, found := os.LookupEnv(key)
		if !found {
			return
		}

		if serr := fs.Set(f.Name, value); serr != nil {
			err = fmt.Errorf("set from %s: %w", key, serr)
		}
	})

	return err
}

// EnvKey is the environment variable backing the flag called name.
//
//	listen-address -> ACC_EXPORTER_LISTEN_ADDRESS
//
func EnvKey(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Validate reports settings the exporter cannot run with.
//
func (c Config) Validate() error {
	switch {
	case c.ListenAddress == "":
		return fmt.Errorf("listen address must not be empty")
	case !strings.HasPrefix(c.MetricsPath, "/"):
		return fmt.Errorf("metrics path '%s' must start with '/'", c.MetricsPath)
	case c.DatabasePath == "":
		return fmt.Errorf("database path must not be empty")
	case c.Table == "":
		return fmt.Errorf("table must not be empty")
	case c.OrderColumn == "":
		return fmt.Errorf("order column must not be empty")
	case c.RestartDelay <= 0:
		return fmt.Errorf("restart delay must be positive, got %s", c.RestartDelay)
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("rate limit window must be positive, got %s", c.RateLimitWindow)
	case c.RateLimitMaxClients <= 0:
		return fmt.Errorf("rate limit max clients must be positive, got %d", c.RateLimitMaxClients)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.TelemetryAddress != "" && !strings.HasPrefix(c.TelemetryPath, "/"):
		return fmt.Errorf("telemetry path '%s' must start with '/'", c.TelemetryPath)
	case c.LogFormat != "console" && c.LogFormat != "json":
		return fmt.Errorf("log format must be 'console' or 'json', got '%s'", c.LogFormat)
	}

	return nil
}
