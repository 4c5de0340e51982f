package locator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starfail/rfloc/pkg/cluster"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/estimate"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/kalman"
)

type idSet map[emitter.Identification]struct{}

// cycle is everything the worker carries from one batch to the next.
type cycle struct {
	period   int64
	started  bool
	seen     idSet
	expected idSet

	// which estimator produced a usable position during the period
	wifiSeen   bool
	mobileSeen bool

	result      *kalman.Tracker
	weighted    geo.Fix
	hasWeighted bool
	lastCompute time.Time
}

func newCycle() cycle {
	return cycle{seen: idSet{}, expected: idSet{}}
}

// Process runs one batch through the pipeline and delivers the fix of a
// closed period to the sink before returning. Calling it directly bypasses
// the queue but is still serialized with the worker; the sink is called
// after the cycle state is released.
func (l *Locator) Process(ctx context.Context, b Batch) error {
	fix, ok, err := l.process(ctx, b)
	if ok {
		l.report(ctx, fix)
	}
	return err
}

// process advances the cycle by one batch and returns the fix of the period
// it closed, if any.
func (l *Locator) process(ctx context.Context, b Batch) (fix geo.Fix, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kind := b.Kind
	ctx, span := l.tracer.Start(ctx, "locator.process", trace.WithAttributes(
		attribute.String("batch.kind", kind.String()),
		attribute.Int("batch.size", len(b.Observations)),
	))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		l.metrics.RecordBatch(kind.String(), result)
		span.End()
	}()

	c := &l.cycle
	chars := emitter.CharacteristicsFor(kind)
	l.metrics.RecordObservations(kind.String(), len(b.Observations))

	ids := make([]emitter.Identification, 0, len(b.Observations))
	batchSeen := idSet{}
	for _, obs := range b.Observations {
		if _, err := l.cache.Observe(ctx, obs); err != nil {
			return geo.Fix{}, false, err
		}
		c.seen[obs.Ident] = struct{}{}
		if _, dup := batchSeen[obs.Ident]; !dup {
			batchSeen[obs.Ident] = struct{}{}
			ids = append(ids, obs.Ident)
		}
	}

	ref, hasRef := l.referenceAt(b.Time)
	locations := make([]emitter.Location, 0, len(ids))
	for _, id := range ids {
		if hasRef {
			if _, err := l.cache.UpdateCoverage(ctx, id, ref); err != nil {
				return geo.Fix{}, false, err
			}
		}
		loc, known, err := l.cache.Location(ctx, id)
		if err != nil {
			return geo.Fix{}, false, err
		}
		if known {
			locations = append(locations, loc)
		}
	}

	l.computePosition(locations, kind, b.Time)

	if hasRef && ref.Accuracy < chars.ReqdGPSAccuracy {
		box := geo.BoxAround(ref.Lat, ref.Lon, chars.TypicalRange)
		for _, loc := range locations {
			box.Expand(loc.Lat, loc.Lon)
		}
		if c.hasWeighted {
			box.Expand(c.weighted.Lat, c.weighted.Lon)
		}
		expected, err := l.cache.Expected(ctx, kind, box)
		if err != nil {
			return geo.Fix{}, false, err
		}
		for _, id := range expected {
			c.expected[id] = struct{}{}
		}
	}

	return l.endOfPeriod(ctx, b.Time)
}

// computePosition culls the batch's locations and, if enough agree, folds
// them into both estimators.
func (l *Locator) computePosition(locations []emitter.Location, kind emitter.Kind, at time.Time) {
	c := &l.cycle
	chars := emitter.CharacteristicsFor(kind)

	locations = cluster.Cull(locations, chars.MoveDetectDistance)
	if len(locations) == 0 || len(locations) < chars.MinCount {
		return
	}

	switch {
	case kind.IsWLAN():
		c.wifiSeen = true
	case kind == emitter.KindMobile:
		c.mobileSeen = true
	}

	// The Kalman result is good with several emitters per period but
	// converges falsely on a lone cell tower, where the weighted average
	// does better.
	for _, loc := range locations {
		fix := geo.Fix{Lat: loc.Lat, Lon: loc.Lon, Accuracy: loc.Accuracy, Time: at}
		if c.result == nil {
			c.result = kalman.NewTracker(fix, kalman.PositionProcessNoise)
		} else {
			c.result.Update(fix)
		}
	}

	var avg estimate.WeightedAverage
	if c.hasWeighted {
		prev := c.weighted
		elapsed := math.Max(0, at.Sub(c.lastCompute).Seconds())
		avg.Add(estimate.Sample{
			Lat:      prev.Lat,
			Lon:      prev.Lon,
			Accuracy: prev.Accuracy + ExpectedSpeed*elapsed,
			ASU:      emitter.MinASU,
			Time:     prev.Time,
		})
	}
	for _, loc := range locations {
		avg.Add(estimate.Sample{Lat: loc.Lat, Lon: loc.Lon, Accuracy: loc.Accuracy, ASU: loc.ASU, Time: at})
	}
	if fix, ok := avg.Result(); ok {
		c.weighted = fix
		c.hasWeighted = true
	}
	c.lastCompute = at
}

// endOfPeriod closes the collection period when at falls into a new one:
// trust goes up for everything seen and down for everything expected but not
// seen, the cache is synced and the period's fix is returned for reporting.
func (l *Locator) endOfPeriod(ctx context.Context, at time.Time) (geo.Fix, bool, error) {
	c := &l.cycle
	period := at.UnixMilli() / l.cfg.CollectionInterval.Milliseconds()
	if c.started && period == c.period {
		return geo.Fix{}, false, nil
	}

	var errs []error
	for id := range c.seen {
		if _, err := l.cache.IncrementTrust(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range c.expected {
		if _, seen := c.seen[id]; seen {
			continue
		}
		if _, err := l.cache.DecrementTrust(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	// A failed sync leaves the dirty records in the cache for the next one.
	if err := l.cache.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	fix, ok := c.report(at)

	l.logger.Debug("collection period closed", "period", period, "seen", len(c.seen), "expected", len(c.expected))
	if c.result != nil {
		c.result.ResetSamples()
	}
	c.period = period
	c.started = true
	c.seen = idSet{}
	c.expected = idSet{}
	c.wifiSeen = false
	c.mobileSeen = false

	return fix, ok, errors.Join(errs...)
}

// report picks the period's fix: the Kalman result when WiFi contributed,
// otherwise the weighted average when cells did.
func (c *cycle) report(at time.Time) (geo.Fix, bool) {
	switch {
	case c.wifiSeen && c.result != nil:
		fix := c.result.Estimate(at)
		fix.Source = "wifi"
		return fix, true
	case c.mobileSeen && c.hasWeighted:
		fix := c.weighted
		fix.Source = "mobile"
		fix.Time = at
		return fix, true
	}
	return geo.Fix{}, false
}
