// Package metrics exposes rflocd's Prometheus collectors and HTTP endpoint.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starfail/rfloc/pkg/geo"
)

// Metrics holds every collector. All methods are safe on a nil *Metrics so
// components can be built without instrumentation.
type Metrics struct {
	observations  *prometheus.CounterVec
	batches       *prometheus.CounterVec
	fixes         *prometheus.CounterVec
	fixAccuracy   prometheus.Gauge
	fixSamples    prometheus.Gauge
	fixPosition   *prometheus.GaugeVec
	trustChanges  *prometheus.CounterVec
	emitterEvents *prometheus.CounterVec
	cacheSize     prometheus.Gauge
	syncDuration  prometheus.Histogram
	syncErrors    prometheus.Counter
	queueDepth    prometheus.Gauge
	scanErrors    *prometheus.CounterVec
	daemonInfo    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.registerMetrics(reg)
	return m
}

func (m *Metrics) registerMetrics(reg prometheus.Registerer) {
	m.observations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_observations_total",
			Help: "Emitter observations received, by kind",
		},
		[]string{"kind"},
	)

	m.batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_batches_total",
			Help: "Observation batches by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	m.fixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_fixes_total",
			Help: "Positions reported, by estimator",
		},
		[]string{"source"},
	)

	m.fixAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rfloc_fix_accuracy_meters",
		Help: "Accuracy of the last reported position",
	})

	m.fixSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rfloc_fix_samples",
		Help: "Samples folded into the last reported position",
	})

	m.fixPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rfloc_fix_degrees",
			Help: "Last reported position",
		},
		[]string{"axis"},
	)

	m.trustChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_trust_changes_total",
			Help: "Emitter trust adjustments by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	m.emitterEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_emitter_events_total",
			Help: "Emitter lifecycle events (insert, update, delete, evict, blacklist, moved)",
		},
		[]string{"kind", "event"},
	)

	m.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rfloc_cache_emitters",
		Help: "Emitters in the in-memory working set",
	})

	m.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rfloc_sync_duration_seconds",
		Help:    "Time spent writing the working set to storage",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.syncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfloc_sync_errors_total",
		Help: "Failed cache syncs",
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rfloc_queue_depth",
		Help: "Batches waiting for the locator worker",
	})

	m.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfloc_scan_errors_total",
			Help: "Failed scans by source",
		},
		[]string{"source"},
	)

	m.daemonInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rfloc_daemon_info",
			Help: "Daemon version information",
		},
		[]string{"version"},
	)

	reg.MustRegister(
		m.observations,
		m.batches,
		m.fixes,
		m.fixAccuracy,
		m.fixSamples,
		m.fixPosition,
		m.trustChanges,
		m.emitterEvents,
		m.cacheSize,
		m.syncDuration,
		m.syncErrors,
		m.queueDepth,
		m.scanErrors,
		m.daemonInfo,
	)
}

// RecordObservations counts n observations of kind.
func (m *Metrics) RecordObservations(kind string, n int) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(kind).Add(float64(n))
}

// RecordBatch counts a processed batch; result is "ok", "dropped" or "error".
func (m *Metrics) RecordBatch(kind, result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(kind, result).Inc()
}

// RecordTrust counts a trust change; direction is "up" or "down".
func (m *Metrics) RecordTrust(kind, direction string) {
	if m == nil {
		return
	}
	m.trustChanges.WithLabelValues(kind, direction).Inc()
}

// RecordEmitterEvent counts an emitter lifecycle event.
func (m *Metrics) RecordEmitterEvent(kind, event string) {
	if m == nil {
		return
	}
	m.emitterEvents.WithLabelValues(kind, event).Inc()
}

// RecordSync observes a cache sync.
func (m *Metrics) RecordSync(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(d.Seconds())
	if err != nil {
		m.syncErrors.Inc()
	}
}

// SetCacheSize sets the working set gauge.
func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

// SetQueueDepth sets the pending batch gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordScanError counts a failed scan.
func (m *Metrics) RecordScanError(source string) {
	if m == nil {
		return
	}
	m.scanErrors.WithLabelValues(source).Inc()
}

// SetVersion publishes the daemon version.
func (m *Metrics) SetVersion(version string) {
	if m == nil {
		return
	}
	m.daemonInfo.WithLabelValues(version).Set(1)
}

// Report publishes a fix. It satisfies the locator's sink interface.
func (m *Metrics) Report(_ context.Context, fix geo.Fix) error {
	if m == nil {
		return nil
	}
	source := fix.Source
	if source == "" {
		source = "unknown"
	}
	m.fixes.WithLabelValues(source).Inc()
	m.fixAccuracy.Set(fix.Accuracy)
	m.fixSamples.Set(float64(fix.Samples))
	m.fixPosition.WithLabelValues("latitude").Set(fix.Lat)
	m.fixPosition.WithLabelValues("longitude").Set(fix.Lon)
	return nil
}
