package locator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/rfloc/pkg/cache"
	"github.com/starfail/rfloc/pkg/clock"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/store"
)

var (
	ctx  = context.Background()
	t0   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	apA  = emitter.WiFiID(emitter.KindWLAN, "02:00:00:00:00:0a")
	apB  = emitter.WiFiID(emitter.KindWLAN, "02:00:00:00:00:0b")
	apC  = emitter.WiFiID(emitter.KindWLAN, "02:00:00:00:00:0c")
	cell = emitter.LTEID(228, 1, 1234567, 42, 3000)
	here = geo.Fix{Lat: 47.3769, Lon: 8.5417, Accuracy: 5}

	errFlaky = errors.New("flaky storage")
)

// recorder is a Sink that keeps every fix.
type recorder struct {
	mu    sync.Mutex
	fixes []geo.Fix
}

func (r *recorder) Report(_ context.Context, fix geo.Fix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes = append(r.fixes, fix)
	return nil
}

func (r *recorder) all() []geo.Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]geo.Fix(nil), r.fixes...)
}

// stallingSink holds every report until released or cancelled.
type stallingSink struct {
	recorder
	calls   atomic.Int32
	release chan struct{}
}

func (s *stallingSink) Report(ctx context.Context, fix geo.Fix) error {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recorder.Report(ctx, fix)
}

// flakyStore fails transactions, or lookups of one emitter, on demand.
type flakyStore struct {
	store.Store
	failBegin  atomic.Bool
	failLookup atomic.Pointer[emitter.Identification]
}

func (f *flakyStore) Begin(ctx context.Context) (store.Tx, error) {
	if f.failBegin.Load() {
		return nil, errFlaky
	}
	return f.Store.Begin(ctx)
}

func (f *flakyStore) Lookup(ctx context.Context, id emitter.Identification) (emitter.Info, error) {
	if bad := f.failLookup.Load(); bad != nil && *bad == id {
		return emitter.Info{}, errFlaky
	}
	return f.Store.Lookup(ctx, id)
}

type harness struct {
	db    *store.SQLite
	cache *cache.Cache
	loc   *Locator
	sink  *recorder
}

func newHarness(t *testing.T, wrap func(store.Store) store.Store, cfg Config, clk clock.Clock) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "rfloc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var st store.Store = db
	if wrap != nil {
		st = wrap(db)
	}
	m := metrics.New(prometheus.NewRegistry())
	h := &harness{db: db, sink: &recorder{}}
	h.cache = cache.New(st, cache.Config{}, nil, m)
	h.loc = New(h.cache, h.sink, cfg, clk, nil, m)
	return h
}

func (h *harness) seed(t *testing.T, id emitter.Identification, info emitter.Info) {
	t.Helper()
	tx, err := h.db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, id, info))
	require.NoError(t, tx.Commit())
}

func (h *harness) trust(t *testing.T, id emitter.Identification) int {
	t.Helper()
	v, err := h.cache.Get(ctx, id)
	require.NoError(t, err)
	return v.Trust
}

func wifiBatch(at time.Time, ids ...emitter.Identification) Batch {
	b := Batch{Kind: emitter.KindWLAN, Time: at}
	for _, id := range ids {
		b.Observations = append(b.Observations, emitter.NewObservation(id, 20, "lab"))
	}
	return b
}

func period(n int) time.Time {
	return t0.Add(time.Duration(n) * DefaultCollectionInterval)
}

func referenceAt(at time.Time) geo.Fix {
	fix := here
	fix.Time = at
	return fix
}

func TestTrustIsEarnedBeforeWiFiFixes(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)

	// three collection periods with GPS train both access points
	for i := 0; i < 3; i++ {
		at := period(i)
		require.True(t, h.loc.UpdateReference(referenceAt(at)))
		require.NoError(t, h.loc.Process(ctx, wifiBatch(at, apA, apB)))
		assert.Empty(t, h.sink.all(), "period %d reported before trust was earned", i)
	}
	assert.Equal(t, emitter.RequiredTrust, h.trust(t, apA))
	assert.Equal(t, emitter.RequiredTrust, h.trust(t, apB))

	// GPS is long gone; the access points alone now place the device
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(15), apA, apB)))

	fixes := h.sink.all()
	require.Len(t, fixes, 1)
	fix := fixes[0]
	assert.Equal(t, "wifi", fix.Source)
	assert.InDelta(t, here.Lat, fix.Lat, 1e-6)
	assert.InDelta(t, here.Lon, fix.Lon, 1e-6)
	assert.Equal(t, 2, fix.Samples)
	assert.Equal(t, period(15), fix.Time)
	assert.Greater(t, fix.Accuracy, 0.0)
}

func TestSingleWiFiObservationIsNotEnough(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, apA, emitter.Info{Trust: emitter.MaxTrust, Lat: here.Lat, Lon: here.Lon, Radius: 40})

	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(0), apA)))
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(1), apA)))
	assert.Empty(t, h.sink.all())
}

func TestLoneCellUsesWeightedAverage(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: 60.17, Lon: 24.94, Radius: 1000})

	b := Batch{
		Kind:         emitter.KindMobile,
		Observations: []emitter.Observation{emitter.NewObservation(cell, 16, "")},
		Time:         period(0),
	}
	require.NoError(t, h.loc.Process(ctx, b))

	fixes := h.sink.all()
	require.Len(t, fixes, 1)
	assert.Equal(t, "mobile", fixes[0].Source)
	assert.InDelta(t, 60.17, fixes[0].Lat, 1e-9)
	assert.InDelta(t, 24.94, fixes[0].Lon, 1e-9)
	assert.Equal(t, 1, fixes[0].Samples)
	assert.GreaterOrEqual(t, fixes[0].Accuracy, emitter.CharacteristicsFor(emitter.KindMobile).MinimumRange)
}

func TestOneFixPerPeriod(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: 60.17, Lon: 24.94, Radius: 1000})

	mobile := func(at time.Time) Batch {
		return Batch{
			Kind:         emitter.KindMobile,
			Observations: []emitter.Observation{emitter.NewObservation(cell, 10, "")},
			Time:         at,
		}
	}

	// the first batch opens the first period
	require.NoError(t, h.loc.Process(ctx, mobile(period(1))))
	require.Len(t, h.sink.all(), 1)

	// a burst inside the same period reports nothing more
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.loc.Process(ctx, mobile(period(1).Add(time.Duration(i)*500*time.Millisecond))))
	}
	require.Len(t, h.sink.all(), 1)

	// silence for several periods, then one more batch closes exactly one
	require.NoError(t, h.loc.Process(ctx, mobile(period(9))))
	fixes := h.sink.all()
	require.Len(t, fixes, 2)
	assert.Equal(t, period(9), fixes[1].Time)
}

func TestExpectedButUnseenLosesTrust(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, apC, emitter.Info{Trust: 50, Lat: here.Lat + 0.0003, Lon: here.Lon, Radius: 20})
	far := emitter.WiFiID(emitter.KindWLAN, "02:00:00:00:00:0f")
	h.seed(t, far, emitter.Info{Trust: 50, Lat: here.Lat + 0.1, Lon: here.Lon, Radius: 20})

	require.True(t, h.loc.UpdateReference(referenceAt(period(0))))
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(0), apA, apB)))

	assert.Equal(t, 49, h.trust(t, apC))
	assert.Equal(t, 50, h.trust(t, far))
	assert.Equal(t, 10, h.trust(t, apA))

	info, err := h.db.Lookup(ctx, apC)
	require.NoError(t, err)
	assert.Equal(t, 49, info.Trust)
}

func TestNoExpectationsWithoutAccurateReference(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, apC, emitter.Info{Trust: 50, Lat: here.Lat, Lon: here.Lon, Radius: 20})

	coarse := referenceAt(period(0))
	coarse.Accuracy = 80
	require.True(t, h.loc.UpdateReference(coarse))
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(0), apA, apB)))

	assert.Equal(t, 50, h.trust(t, apC))
	v, err := h.cache.Get(ctx, apA)
	require.NoError(t, err)
	assert.False(t, v.HasCoverage, "coarse reference must not train coverage")
}

func TestSyncFailureIsRetriedNextPeriod(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, func(s store.Store) store.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	}, Config{}, nil)

	flaky.failBegin.Store(true)
	require.True(t, h.loc.UpdateReference(referenceAt(period(0))))
	err := h.loc.Process(ctx, wifiBatch(period(0), apA, apB))
	require.ErrorIs(t, err, errFlaky)

	_, err = h.db.Lookup(ctx, apA)
	assert.ErrorIs(t, err, store.ErrNotFound)

	flaky.failBegin.Store(false)
	require.True(t, h.loc.UpdateReference(referenceAt(period(1))))
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(1), apA, apB)))

	info, err := h.db.Lookup(ctx, apA)
	require.NoError(t, err)
	assert.Equal(t, 20, info.Trust)
}

func TestUpdateReference(t *testing.T) {
	h := newHarness(t, nil, Config{}, clock.NewMock(t0))

	assert.False(t, h.loc.UpdateReference(geo.Fix{Lat: 0.001, Lon: -0.002, Accuracy: 5, Time: t0}), "null island")
	assert.False(t, h.loc.UpdateReference(geo.Fix{Lat: 47, Lon: 8, Accuracy: 0, Time: t0}), "no accuracy")
	_, ok := h.loc.referenceAt(t0)
	assert.False(t, ok)

	// zero time means now
	require.True(t, h.loc.UpdateReference(geo.Fix{Lat: 47, Lon: 8, Accuracy: 5}))
	ref, ok := h.loc.referenceAt(t0)
	require.True(t, ok)
	assert.InDelta(t, 47.0, ref.Lat, 1e-9)

	_, ok = h.loc.referenceAt(t0.Add(DefaultReferenceMaxAge + time.Second))
	assert.False(t, ok, "stale reference")
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, nil, Config{QueueSize: 1}, nil)

	require.NoError(t, h.loc.Submit(wifiBatch(period(0), apA)))
	assert.ErrorIs(t, h.loc.Submit(wifiBatch(period(0), apB)), ErrQueueFull)
}

func TestRunProcessesInOrderUntilCancelled(t *testing.T) {
	clk := clock.NewMock(period(2))
	h := newHarness(t, nil, Config{}, clk)
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: 60.17, Lon: 24.94, Radius: 1000})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.loc.Run(runCtx) }()

	obs := []emitter.Observation{emitter.NewObservation(cell, 10, "")}
	require.NoError(t, h.loc.Submit(Batch{Kind: emitter.KindMobile, Observations: obs}))
	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.loc.Submit(Batch{Kind: emitter.KindMobile, Observations: obs, Time: period(3)}))

	require.Eventually(t, func() bool { return len(h.sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	fixes := h.sink.all()
	assert.Equal(t, period(2), fixes[0].Time, "zero batch time comes from the clock")
	assert.Equal(t, period(3), fixes[1].Time)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, h.loc.Submit(Batch{Kind: emitter.KindMobile, Observations: obs}), ErrStopped)
}

func TestSlowSinkDoesNotStallWorker(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: 60.17, Lon: 24.94, Radius: 1000})
	h.seed(t, apA, emitter.Info{Trust: 20, Lat: 60.17, Lon: 24.94, Radius: 40})

	sink := &stallingSink{release: make(chan struct{})}
	loc := New(h.cache, sink, Config{}, nil, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loc.Run(runCtx) }()

	mobile := func(at time.Time) Batch {
		return Batch{
			Kind:         emitter.KindMobile,
			Observations: []emitter.Observation{emitter.NewObservation(cell, 10, "")},
			Time:         at,
		}
	}
	require.NoError(t, loc.Submit(mobile(period(1))))
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the sink is stuck on the first fix; periods keep closing regardless
	require.NoError(t, loc.Submit(wifiBatch(period(2), apA)))
	require.NoError(t, loc.Submit(wifiBatch(period(3), apA)))
	require.NoError(t, loc.Submit(mobile(period(4))))
	require.NoError(t, loc.Submit(mobile(period(5))))

	require.Eventually(t, func() bool { return h.trust(t, apA) == 40 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sink.calls.Load())

	// once released, the newest fix gets through
	close(sink.release)
	require.Eventually(t, func() bool {
		fixes := sink.all()
		return len(fixes) >= 2 && fixes[len(fixes)-1].Time.Equal(period(5))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestProcessReleasesCycleBeforeReporting(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: 60.17, Lon: 24.94, Radius: 1000})

	sink := &stallingSink{release: make(chan struct{})}
	loc := New(h.cache, sink, Config{}, nil, nil, nil)
	b := Batch{
		Kind:         emitter.KindMobile,
		Observations: []emitter.Observation{emitter.NewObservation(cell, 10, "")},
		Time:         period(1),
	}

	reported := make(chan error, 1)
	go func() { reported <- loc.Process(ctx, b) }()
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a second batch in the same period gets through while the sink blocks
	b.Time = period(1).Add(time.Second)
	finished := make(chan error, 1)
	go func() { finished <- loc.Process(ctx, b) }()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process waited on the sink of another batch")
	}

	close(sink.release)
	require.NoError(t, <-reported)
	assert.Len(t, sink.all(), 1)
}

func TestFailedObservationIsNotCountedAsSeen(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, func(s store.Store) store.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	}, Config{}, nil)
	h.seed(t, apB, emitter.Info{Trust: 50, Lat: here.Lat, Lon: here.Lon, Radius: 40})

	bad := apB
	flaky.failLookup.Store(&bad)
	err := h.loc.Process(ctx, wifiBatch(period(0), apA, apB))
	require.ErrorIs(t, err, errFlaky)

	flaky.failLookup.Store(nil)
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(1), apA)))
	assert.Equal(t, 50, h.trust(t, apB), "an emitter whose lookup failed was never observed")
}

func TestExpectedAreaCoversLastFusedPosition(t *testing.T) {
	h := newHarness(t, nil, Config{}, nil)
	// a cell north of the reference fixes the weighted position there
	h.seed(t, cell, emitter.Info{Trust: emitter.MaxTrust, Lat: here.Lat + 0.01, Lon: here.Lon, Radius: 1000})
	// an access point between the two, beyond WiFi range of the reference
	h.seed(t, apC, emitter.Info{Trust: 50, Lat: here.Lat + 0.005, Lon: here.Lon, Radius: 20})

	require.NoError(t, h.loc.Process(ctx, Batch{
		Kind:         emitter.KindMobile,
		Observations: []emitter.Observation{emitter.NewObservation(cell, 10, "")},
		Time:         period(0),
	}))
	require.Len(t, h.sink.all(), 1)

	require.True(t, h.loc.UpdateReference(referenceAt(period(1))))
	require.NoError(t, h.loc.Process(ctx, wifiBatch(period(1), apA, apB)))

	assert.Equal(t, 49, h.trust(t, apC))
}

func TestMultiSinkReportsToEverySink(t *testing.T) {
	boom := errors.New("broker down")
	var after recorder
	sinks := MultiSink{
		SinkFunc(func(context.Context, geo.Fix) error { return boom }),
		nil,
		&after,
	}

	err := sinks.Report(ctx, here)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, after.all(), 1)

	assert.NoError(t, MultiSink{}.Report(ctx, here))
}
