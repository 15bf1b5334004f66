package main

import (
	"fmt"
	"net"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/accprom/acc-exporter/pkg/config"
	"github.com/accprom/acc-exporter/pkg/errlog"
	"github.com/accprom/acc-exporter/pkg/exposition"
	"github.com/accprom/acc-exporter/pkg/ratelimit"
	"github.com/accprom/acc-exporter/pkg/server"
	"github.com/accprom/acc-exporter/pkg/store"
	"github.com/accprom/acc-exporter/pkg/telemetry"
)

type command struct {
	cfg        config.Config
	configPath string
}

func (c *command) Cmd() *cobra.Command {
	c.cfg = config.Default()

	cmd := &cobra.Command{
		Use:          "acc-exporter",
		Short:        "Prometheus exporter for Apple Content Cache metrics",
		SilenceUsage: true,
		RunE:         c.RunE,
	}

	c.cfg.AddFlags(cmd.Flags())

	cmd.Flags().StringVar(&c.configPath, "config",
		"", "filepath of a toml file with settings (flags and environment "+
			"take precedence)")
	_ = cmd.MarkFlagFilename("config", "toml")
	_ = cmd.MarkFlagFilename("database-path")
	_ = cmd.MarkFlagFilename("geoip-filepath")

	return cmd
}

func (c *command) RunE(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("config") {
		if v, found := os.LookupEnv(config.EnvKey("config")); found {
			c.configPath = v
		}
	}

	if err := config.Load(cmd.Flags(), c.configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log, err := newLogger(c.cfg.LogFormat, c.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}

	errLog, err := errlog.Open(c.cfg.ErrorLogPath)
	if err != nil {
		log.Error(err, "error log disabled", "path", c.cfg.ErrorLogPath)
	}
	defer errLog.Close()

	source, err := store.New(c.cfg.DatabasePath,
		store.WithTable(c.cfg.Table),
		store.WithOrderColumn(c.cfg.OrderColumn),
		store.WithLogger(log.WithName("store")),
	)
	if err != nil {
		return fmt.Errorf("store new: %w", err)
	}

	limiter, err := ratelimit.New(
		ratelimit.WithWindow(c.cfg.RateLimitWindow),
		ratelimit.WithMaxClients(c.cfg.RateLimitMaxClients),
	)
	if err != nil {
		return fmt.Errorf("ratelimit new: %w", err)
	}

	states := []string{}
	for _, state := range server.States() {
		states = append(states, state.String())
	}

	telemetryCollector := telemetry.NewCollector(states...)

	handlerOpts := []server.HandlerOption{
		server.WithMetricsPath(c.cfg.MetricsPath),
		server.WithFormatter(exposition.NewFormatter(c.cfg.MetricPrefix)),
		server.WithWorkers(c.cfg.Workers),
		server.WithHandlerErrorLog(errLog),
		server.WithHandlerObserver(telemetryCollector),
		server.WithHandlerLogger(log.WithName("handler")),
	}

	if c.cfg.GeoIPFilepath != "" {
		db, err := geoip2.Open(c.cfg.GeoIPFilepath)
		if err != nil {
			return fmt.Errorf("geoip open: %w", err)
		}
		defer db.Close()

		countryMapper := func(ip net.IP) (string, error) {
			res, err := db.Country(ip)
			if err != nil {
				return "", fmt.Errorf(
					"country '%s': %w", ip, err,
				)
			}

			return res.RegisteredCountry.IsoCode, nil
		}

		handlerOpts = append(handlerOpts,
			server.WithCountryMapper(countryMapper),
		)
	}

	handler, err := server.NewHandler(source, limiter, handlerOpts...)
	if err != nil {
		return fmt.Errorf("new handler: %w", err)
	}

	supervisor, err := server.NewSupervisor(handler,
		server.WithListenAddress(c.cfg.ListenAddress),
		server.WithRestartDelay(c.cfg.RestartDelay),
		server.WithErrorLog(errLog),
		server.WithObserver(telemetryCollector),
		server.WithLogger(log.WithName("supervisor")),
	)
	if err != nil {
		return fmt.Errorf("new supervisor: %w", err)
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		if err := supervisor.Run(ctx); err != nil {
			return fmt.Errorf("supervisor run: %w", err)
		}

		return nil
	})

	if c.cfg.TelemetryAddress != "" {
		registry := prometheus.NewRegistry()
		for _, collector := range []prometheus.Collector{
			telemetryCollector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := registry.Register(collector); err != nil {
				return fmt.Errorf("register collector: %w", err)
			}
		}

		telemetryExporter, err := telemetry.New(registry,
			telemetry.WithBindAddress(c.cfg.TelemetryAddress),
			telemetry.WithTelemetryPath(c.cfg.TelemetryPath),
			telemetry.WithLogger(log.WithName("telemetry")),
		)
		if err != nil {
			return fmt.Errorf("new telemetry exporter: %w", err)
		}

		g.Go(func() error {
			if err := telemetryExporter.Run(ctx); err != nil {
				return fmt.Errorf("telemetry exporter run: %w", err)
			}

			return nil
		})
	}

	log.Info("running",
		"database", c.cfg.DatabasePath,
		"table", c.cfg.Table,
		"listen_address", c.cfg.ListenAddress,
	)

	return g.Wait()
}

// newLogger builds the process logger. level follows logr verbosity: 0 is
// info, 1 adds V(1) messages and so on.
//
func newLogger(format string, level int) (logr.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	if format == "json" {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-level))

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("zap build: %w", err)
	}

	return zapr.NewLogger(zapLogger.Named("acc-exporter")), nil
}
