// Package collector polls the router's radios and GPS receiver and feeds
// what it finds to the locator.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/starfail/rfloc/pkg/clock"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/locator"
	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/scan"
)

// Defaults for Config
const (
	DefaultScanInterval = 10 * time.Second
	DefaultGPSInterval  = 2 * time.Second
)

// Scanner produces observations of one emitter kind
type Scanner interface {
	Kind() emitter.Kind
	Scan(ctx context.Context) ([]emitter.Observation, error)
}

// GPSSource reads the current reference position
type GPSSource interface {
	Read(ctx context.Context) (geo.Fix, error)
}

// Target is what the collector feeds; *locator.Locator implements it.
type Target interface {
	Submit(b locator.Batch) error
	UpdateReference(fix geo.Fix) bool
}

// Config holds poll intervals
type Config struct {
	ScanInterval time.Duration
	GPSInterval  time.Duration
}

// Collector runs the poll loop
type Collector struct {
	target   Target
	gps      GPSSource
	scanners []Scanner
	cfg      Config
	clock    clock.Clock
	logger   *logx.Logger
	metrics  *metrics.Metrics
}

// New creates a collector. gps may be nil when the router has no receiver.
func New(target Target, gps GPSSource, cfg Config, clk clock.Clock, logger *logx.Logger, m *metrics.Metrics, scanners ...Scanner) *Collector {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.GPSInterval <= 0 {
		cfg.GPSInterval = DefaultGPSInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Collector{
		target:   target,
		gps:      gps,
		scanners: scanners,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		metrics:  m,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (c *Collector) Run(ctx context.Context) error {
	scanTicker := c.clock.NewTicker(c.cfg.ScanInterval)
	defer scanTicker.Stop()

	var gpsC <-chan time.Time
	if c.gps != nil {
		gpsTicker := c.clock.NewTicker(c.cfg.GPSInterval)
		defer gpsTicker.Stop()
		gpsC = gpsTicker.C()
	}

	c.logger.Info("collector started", "scanners", len(c.scanners), "gps", c.gps != nil,
		"scan_interval", c.cfg.ScanInterval.String())

	c.PollGPS(ctx)
	c.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gpsC:
			c.PollGPS(ctx)
		case <-scanTicker.C():
			c.ScanOnce(ctx)
		}
	}
}

// PollGPS reads one fix and hands it to the target as the reference.
func (c *Collector) PollGPS(ctx context.Context) {
	if c.gps == nil {
		return
	}
	fix, err := c.gps.Read(ctx)
	switch {
	case errors.Is(err, scan.ErrNoFix):
		c.logger.Debug("no gps fix")
		return
	case err != nil:
		if ctx.Err() == nil {
			c.logger.Warn("gps read failed", "error", err)
			c.metrics.RecordScanError("gps")
		}
		return
	}
	if !c.target.UpdateReference(fix) {
		c.logger.Debug("gps fix not used as reference", "lat", fix.Lat, "lon", fix.Lon, "accuracy", fix.Accuracy)
	}
}

// ScanOnce runs every scanner and submits one batch per scanner. An empty
// scan is still submitted so collection periods keep closing.
func (c *Collector) ScanOnce(ctx context.Context) {
	for _, s := range c.scanners {
		kind := s.Kind()
		obs, err := s.Scan(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("scan failed", "kind", kind.String(), "error", err)
				c.metrics.RecordScanError(kind.String())
			}
			continue
		}

		b := locator.Batch{Kind: kind, Observations: obs, Time: c.clock.Now()}
		if err := c.target.Submit(b); err != nil {
			c.logger.Warn("batch not queued", "kind", kind.String(), "observations", len(obs), "error", err)
			continue
		}
		c.logger.Debug("batch queued", "kind", kind.String(), "observations", len(obs))
	}
}
