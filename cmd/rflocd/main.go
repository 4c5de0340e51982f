package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starfail/rfloc/pkg/cache"
	"github.com/starfail/rfloc/pkg/clock"
	"github.com/starfail/rfloc/pkg/collector"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/locator"
	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/mqtt"
	"github.com/starfail/rfloc/pkg/retry"
	"github.com/starfail/rfloc/pkg/scan"
	"github.com/starfail/rfloc/pkg/store"
	"github.com/starfail/rfloc/pkg/telem"
	"github.com/starfail/rfloc/pkg/tracing"
	"github.com/starfail/rfloc/pkg/uci"
)

const (
	version = "1.0.0-dev"
	appName = "rflocd"
)

func main() {
	var (
		configFile  = flag.String("config", uci.DefaultPath, "UCI config file path")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error), overrides the config file")
		dbPath      = flag.String("db", "", "Emitter database path, overrides the config file")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logx.New(cfg.LogLevel)
	if err := logger.EnableSyslog(appName); err != nil {
		logger.Warn("syslog unavailable", "error", err)
	}
	defer logger.Close()

	if !cfg.Enable {
		logger.Info("rflocd disabled in configuration, exiting", "config", *configFile)
		return
	}

	logger.Info("starting rfloc daemon",
		"version", version,
		"config", *configFile,
		"log_level", cfg.LogLevel,
		"db", cfg.DBPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rflocd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("rflocd stopped")
}

func run(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background(), shutdownTracing, logger)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.SetVersion(version)

	history := telem.NewStore(telem.Config{})

	if cfg.MetricsListener {
		srv := metrics.NewServer(registry, history, logger)
		if err := srv.Start("", cfg.MetricsPort); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer srv.Stop()
	}

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("emitter database: %w", err)
	}
	defer db.Close()

	emitters := cache.New(db, cache.Config{
		MaxAge:    cfg.CacheMaxAge,
		MaxSize:   cfg.CacheMaxSize,
		ASUScale:  emitter.ASUScale{Min: cfg.ASUScaleMin, Max: cfg.ASUScaleMax},
		Blacklist: emitter.NewBlacklist(cfg.BlacklistSSID...),
	}, logger, m)

	publisher := mqtt.NewClient(&mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
		Retain:      cfg.MQTT.Retain,
		Enabled:     cfg.MQTT.Enabled,
	}, logger)
	if err := publisher.Connect(); err != nil {
		logger.Warn("MQTT unavailable, fixes will not be published until it connects", "error", err)
	}
	defer publisher.Disconnect()

	sink := locator.MultiSink{history, m, logSink(logger), publisher}
	loc := locator.New(emitters, sink, locator.Config{
		QueueSize:          cfg.QueueSize,
		CollectionInterval: cfg.CollectionInterval(),
	}, clock.Real{}, logger, m)

	runner, closeRunner, err := commandRunner(cfg.Scan)
	if err != nil {
		return err
	}
	defer closeRunner()

	var scanners []collector.Scanner
	if cfg.Scan.WiFi {
		scanners = append(scanners, scan.NewWiFiScanner(runner, logger))
	}
	if cfg.Scan.Cellular {
		scanners = append(scanners, scan.NewCellScanner(runner, logger))
	}
	var gps collector.GPSSource
	if cfg.Scan.GPS {
		gps = scan.NewGPSReader(runner, logger)
	}
	if len(scanners) == 0 {
		logger.Warn("no scanners enabled, no fixes will be produced")
	}

	coll := collector.New(loc, gps, collector.Config{ScanInterval: cfg.ScanInterval()},
		clock.Real{}, logger, m, scanners...)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, fn := range []func(context.Context) error{loc.Run, coll.Run} {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}(fn)
	}

	logger.Info("rfloc daemon started", "scanners", len(scanners), "gps", gps != nil,
		"remote", cfg.Scan.SSHHost != "")

	<-ctx.Done()
	logger.Info("shutdown requested")
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := emitters.Sync(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("final sync: %w", err))
	}
	return errors.Join(errs...)
}

// commandRunner runs scan commands locally, or on ssh_host when set.
func commandRunner(cfg uci.ScanConfig) (scan.Runner, func(), error) {
	if cfg.SSHHost == "" {
		return retry.NewRunner(retry.DefaultConfig()), func() {}, nil
	}
	r, err := scan.NewSSHRunner(scan.SSHConfig{
		Host:     cfg.SSHHost,
		User:     cfg.SSHUser,
		Password: cfg.SSHPassword,
		KeyFile:  cfg.SSHKey,
		Timeout:  10 * time.Second,
	}, retry.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("ssh runner: %w", err)
	}
	return r, func() { _ = r.Close() }, nil
}

func logSink(logger *logx.Logger) locator.Sink {
	return locator.SinkFunc(func(_ context.Context, fix geo.Fix) error {
		logger.Info("position",
			"source", fix.Source,
			"lat", fix.Lat,
			"lon", fix.Lon,
			"accuracy", fix.Accuracy,
			"samples", fix.Samples,
		)
		return nil
	})
}
