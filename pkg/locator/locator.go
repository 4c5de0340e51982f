// Package locator drives the positioning pipeline. Batches of observations
// are queued and processed by a single worker: emitters are resolved through
// the cache, their coverage is trained from the reference position, the
// consistent ones are fused into a position, and at every collection period
// boundary trust is adjusted, the cache is synced and one fix is reported.
package locator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/starfail/rfloc/pkg/cache"
	"github.com/starfail/rfloc/pkg/clock"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/kalman"
	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/tracing"
)

var (
	// ErrQueueFull is returned by Submit when the worker is behind.
	ErrQueueFull = errors.New("locator: batch queue full")
	// ErrStopped is returned by Submit once Run has returned.
	ErrStopped = errors.New("locator: stopped")
)

const (
	DefaultQueueSize          = 16
	DefaultCollectionInterval = 4 * time.Second
	// DefaultReferenceMaxAge is how long a reference position is trusted
	// without a new GPS fix.
	DefaultReferenceMaxAge = 10 * time.Second

	// ExpectedSpeed is the speed, in m/s, assumed when aging the previous
	// weighted result: 120 km/h.
	ExpectedSpeed = 120.0 / 3.6
)

// Batch is one scan's worth of observations of a single kind.
type Batch struct {
	Kind         emitter.Kind
	Observations []emitter.Observation
	Time         time.Time
}

// Config tunes the locator
type Config struct {
	QueueSize          int
	CollectionInterval time.Duration
	ReferenceMaxAge    time.Duration
}

// Locator owns the cycle state. Submit and UpdateReference may be called
// from any goroutine; batches are processed one at a time in arrival order.
type Locator struct {
	cache   *cache.Cache
	sink    Sink
	clock   clock.Clock
	logger  *logx.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cfg     Config

	queue    chan Batch
	reports  chan geo.Fix
	done     chan struct{}
	doneOnce sync.Once

	refMu     sync.Mutex
	reference *kalman.Tracker

	mu    sync.Mutex
	cycle cycle
}

// New creates a locator. sink may be nil when nobody consumes fixes; clk,
// logger and m may be nil too.
func New(c *cache.Cache, sink Sink, cfg Config, clk clock.Clock, logger *logx.Logger, m *metrics.Metrics) *Locator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CollectionInterval < time.Millisecond {
		cfg.CollectionInterval = DefaultCollectionInterval
	}
	if cfg.ReferenceMaxAge <= 0 {
		cfg.ReferenceMaxAge = DefaultReferenceMaxAge
	}
	if sink == nil {
		sink = MultiSink{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logx.Nop()
	}

	return &Locator{
		cache:   c,
		sink:    sink,
		clock:   clk,
		logger:  logger,
		metrics: m,
		tracer:  tracing.Tracer("github.com/starfail/rfloc/pkg/locator"),
		cfg:     cfg,
		queue:   make(chan Batch, cfg.QueueSize),
		reports: make(chan geo.Fix, 1),
		done:    make(chan struct{}),
		cycle:   newCycle(),
	}
}

// Submit queues b for processing without blocking. A zero b.Time is set to
// the current time.
func (l *Locator) Submit(b Batch) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	if b.Time.IsZero() {
		b.Time = l.clock.Now()
	}

	select {
	case l.queue <- b:
		l.metrics.SetQueueDepth(len(l.queue))
		return nil
	default:
		l.metrics.RecordBatch(b.Kind.String(), "dropped")
		return ErrQueueFull
	}
}

// Run processes queued batches until ctx is cancelled. It must be called at
// most once. Processing errors are logged and do not stop the loop.
//
// Fixes are handed to a separate reporter so a slow sink never holds up the
// worker. If the sink is still busy when the next period closes, the
// undelivered fix is replaced by the newer one.
func (l *Locator) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.deliver(ctx)
	}()
	defer wg.Wait()

	l.logger.Info("locator started", "queue_size", l.cfg.QueueSize, "interval", l.cfg.CollectionInterval.String())
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("locator stopped", "pending", len(l.queue))
			return nil
		case b := <-l.queue:
			l.metrics.SetQueueDepth(len(l.queue))
			fix, ok, err := l.process(ctx, b)
			if err != nil {
				l.logger.Error("batch processing failed", "kind", b.Kind.String(), "error", err)
			}
			if ok {
				l.offer(fix)
			}
		}
	}
}

// offer queues fix for the reporter, replacing a fix it has not picked up
// yet. Only the worker sends, so the loop ends after at most one eviction.
func (l *Locator) offer(fix geo.Fix) {
	for {
		select {
		case l.reports <- fix:
			return
		default:
		}
		select {
		case stale := <-l.reports:
			l.logger.Warn("sink busy, dropping undelivered fix", "source", stale.Source, "time", stale.Time)
		default:
		}
	}
}

func (l *Locator) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-l.reports:
			l.report(ctx, fix)
		}
	}
}

func (l *Locator) report(ctx context.Context, fix geo.Fix) {
	if err := l.sink.Report(ctx, fix); err != nil {
		l.logger.Warn("fix not delivered to every sink", "error", err)
	}
	l.logger.Debug("position reported", "source", fix.Source, "lat", fix.Lat, "lon", fix.Lon,
		"accuracy", fix.Accuracy, "samples", fix.Samples)
}

// UpdateReference feeds a GPS fix into the reference smoother. Fixes near
// null island or without a usable accuracy are rejected. A fix arriving
// after the reference has gone stale restarts the smoother.
func (l *Locator) UpdateReference(fix geo.Fix) bool {
	if geo.NearNullIsland(fix.Point()) || !(fix.Accuracy > 0) {
		l.logger.Debug("reference fix rejected", "lat", fix.Lat, "lon", fix.Lon, "accuracy", fix.Accuracy)
		return false
	}
	if fix.Time.IsZero() {
		fix.Time = l.clock.Now()
	}

	l.refMu.Lock()
	defer l.refMu.Unlock()

	if l.reference == nil || fix.Time.Sub(l.reference.LastUpdate()) > l.cfg.ReferenceMaxAge {
		l.reference = kalman.NewTracker(fix, kalman.GPSProcessNoise)
		return true
	}
	l.reference.Update(fix)
	return true
}

// referenceAt returns the smoothed reference position at t, if there is a
// fresh one.
func (l *Locator) referenceAt(t time.Time) (geo.Fix, bool) {
	l.refMu.Lock()
	defer l.refMu.Unlock()

	if l.reference == nil || t.Sub(l.reference.LastUpdate()) > l.cfg.ReferenceMaxAge {
		return geo.Fix{}, false
	}
	return l.reference.Estimate(t), true
}
