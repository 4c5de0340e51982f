package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/store"
)

var (
	ctx   = context.Background()
	apA   = emitter.WiFiID(emitter.KindWLAN, "00:00:00:00:00:0a")
	apB   = emitter.WiFiID(emitter.KindWLAN, "00:00:00:00:00:0b")
	cell  = emitter.LTEID(244, 91, 1001, 7, 40)
	goodA = geo.Fix{Lat: 47, Lon: 8, Accuracy: 5}
)

func newTestCache(t *testing.T, st store.Store, cfg Config) *Cache {
	t.Helper()
	return New(st, cfg, nil, metrics.New(prometheus.NewRegistry()))
}

func TestGetIsIdempotent(t *testing.T) {
	c := newTestCache(t, newFakeStore(), Config{})

	first, err := c.Get(ctx, apA)
	require.NoError(t, err)
	second, err := c.Get(ctx, apA)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second Get differs (-first +second):\n%s", diff)
	}
	assert.Equal(t, emitter.StatusUnknown, first.Status)
	assert.Equal(t, 1, c.Len())

	// mutations are visible through later lookups of the same id
	_, err = c.UpdateCoverage(ctx, apA, goodA)
	require.NoError(t, err)
	third, err := c.Get(ctx, apA)
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusNew, third.Status)
	assert.True(t, third.HasCoverage)
}

func TestGetLoadsFromStorage(t *testing.T) {
	st := newFakeStore()
	st.put(cell, emitter.Info{Trust: 100, Lat: 60.2, Lon: 24.9, Radius: 800})
	c := newTestCache(t, st, Config{})

	v, err := c.Get(ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusCached, v.Status)
	assert.Equal(t, 100, v.Trust)
	assert.Equal(t, emitter.Coverage{Lat: 60.2, Lon: 24.9, Radius: 800}, v.Coverage)
}

func TestGetStorageFailureLeavesCacheUntouched(t *testing.T) {
	st := newFakeStore()
	st.failLookup = true
	c := newTestCache(t, st, Config{})

	_, err := c.Get(ctx, apA)
	assert.ErrorIs(t, err, errDisk)
	assert.Zero(t, c.Len())

	st.failLookup = false
	_, err = c.Get(ctx, apA)
	assert.NoError(t, err)
}

func TestObserveRefreshesSignalAndBlacklists(t *testing.T) {
	st := newFakeStore()
	st.put(apA, emitter.Info{Trust: 50, Lat: 47, Lon: 8, Radius: 40, Note: "office"})
	c := newTestCache(t, st, Config{})

	v, err := c.Observe(ctx, emitter.NewObservation(apA, 44, "office"))
	require.NoError(t, err)
	assert.Equal(t, emitter.MaxASU, v.ASU)
	assert.Equal(t, emitter.StatusCached, v.Status)

	v, err = c.Observe(ctx, emitter.NewObservation(apA, 12, "Kims iPhone"))
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusBlacklisted, v.Status)

	require.NoError(t, c.Sync(ctx))
	_, ok := st.get(apA)
	assert.False(t, ok, "blacklisted emitter must be removed from storage")

	v, err = c.Get(ctx, apA)
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusBlacklisted, v.Status)
	assert.False(t, v.HasCoverage)
}

func TestSyncWritesDirtyRecordsInOneTransaction(t *testing.T) {
	st := newFakeStore()
	st.put(apB, emitter.Info{Trust: 40, Lat: 47, Lon: 8.001})
	c := newTestCache(t, st, Config{})

	_, err := c.UpdateCoverage(ctx, apA, goodA) // new
	require.NoError(t, err)
	_, err = c.IncrementTrust(ctx, apB) // changed
	require.NoError(t, err)
	_, err = c.Get(ctx, cell) // unknown, nothing to write
	require.NoError(t, err)

	require.NoError(t, c.Sync(ctx))
	assert.Equal(t, 1, st.begins)
	assert.ElementsMatch(t, []string{"insert " + apA.String(), "update " + apB.String()}, st.ops)

	info, ok := st.get(apB)
	require.True(t, ok)
	assert.Equal(t, 50, info.Trust)

	for _, id := range []emitter.Identification{apA, apB} {
		v, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, emitter.StatusCached, v.Status, id.String())
	}

	// clean cache: no transaction at all
	require.NoError(t, c.Sync(ctx))
	assert.Equal(t, 1, st.begins)
}

func TestSyncFailureKeepsDirtySet(t *testing.T) {
	for _, tc := range []struct {
		name string
		fail func(*fakeStore, bool)
	}{
		{"begin", func(f *fakeStore, on bool) { f.failBegin = on }},
		{"write", func(f *fakeStore, on bool) { f.failWrite = on }},
		{"commit", func(f *fakeStore, on bool) { f.failCommit = on }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			c := newTestCache(t, st, Config{MaxAge: 1})
			_, err := c.UpdateCoverage(ctx, apA, goodA)
			require.NoError(t, err)

			tc.fail(st, true)
			for i := 0; i < 3; i++ {
				assert.ErrorIs(t, c.Sync(ctx), errDisk)
			}
			v, err := c.Get(ctx, apA)
			require.NoError(t, err)
			assert.Equal(t, emitter.StatusNew, v.Status)
			_, ok := st.get(apA)
			assert.False(t, ok)

			tc.fail(st, false)
			require.NoError(t, c.Sync(ctx))
			_, ok = st.get(apA)
			assert.True(t, ok)
		})
	}
}

func TestSyncAgesOutUnusedRecords(t *testing.T) {
	st := newFakeStore()
	c := newTestCache(t, st, Config{MaxAge: 3})

	_, err := c.Get(ctx, apA)
	require.NoError(t, err)
	_, err = c.Get(ctx, apB)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Sync(ctx))
		_, err = c.Get(ctx, apB) // keep B fresh
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Sync(ctx))
	assert.Equal(t, 1, c.Len())
	_, err = c.Get(ctx, apB)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestSyncClearsOversizedWorkingSet(t *testing.T) {
	c := newTestCache(t, newFakeStore(), Config{MaxSize: 5})
	for i := 0; i < 6; i++ {
		_, err := c.Get(ctx, emitter.WiFiID(emitter.KindWLAN, fmt.Sprintf("00:00:00:00:01:%02x", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 6, c.Len())

	require.NoError(t, c.Sync(ctx))
	assert.Zero(t, c.Len())
}

func TestExhaustedEmitterIsDeletedAndForgotten(t *testing.T) {
	st := newFakeStore()
	st.put(apA, emitter.Info{Trust: 1, Lat: 47, Lon: 8, Radius: 30})
	c := newTestCache(t, st, Config{})

	for i := 0; i < 2; i++ {
		_, err := c.DecrementTrust(ctx, apA)
		require.NoError(t, err)
	}
	require.NoError(t, c.Sync(ctx))

	_, ok := st.get(apA)
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	v, err := c.Get(ctx, apA)
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusUnknown, v.Status)
}

func TestRegainedTrustSurvivesFailedSync(t *testing.T) {
	st := newFakeStore()
	st.put(apA, emitter.Info{Trust: 0, Lat: 47, Lon: 8, Radius: 30})
	c := newTestCache(t, st, Config{})

	_, err := c.DecrementTrust(ctx, apA)
	require.NoError(t, err)
	st.failCommit = true
	assert.ErrorIs(t, c.Sync(ctx), errDisk)
	st.failCommit = false

	_, err = c.IncrementTrust(ctx, apA)
	require.NoError(t, err)
	require.NoError(t, c.Sync(ctx))

	info, ok := st.get(apA)
	require.True(t, ok, "emitter that regained trust must not be deleted")
	assert.Equal(t, 10, info.Trust)
	assert.Equal(t, 1, c.Len())
}

func TestExpectedMergesStorageAndUnsynced(t *testing.T) {
	st := newFakeStore()
	stored := emitter.WiFiID(emitter.KindWLAN, "00:00:00:00:00:01")
	farAway := emitter.WiFiID(emitter.KindWLAN, "00:00:00:00:00:02")
	st.put(stored, emitter.Info{Trust: 40, Lat: 47.0003, Lon: 8})
	st.put(farAway, emitter.Info{Trust: 40, Lat: 48, Lon: 8})
	st.put(cell, emitter.Info{Trust: 100, Lat: 47, Lon: 8})
	c := newTestCache(t, st, Config{})

	_, err := c.UpdateCoverage(ctx, apA, goodA) // new, not in storage yet
	require.NoError(t, err)
	_, err = c.UpdateCoverage(ctx, apB, geo.Fix{Lat: 47.0001, Lon: 8, Accuracy: 5})
	require.NoError(t, err)
	_, err = c.Observe(ctx, emitter.NewObservation(apB, 10, "AndroidAP"))
	require.NoError(t, err)

	got, err := c.Expected(ctx, emitter.KindWLAN, geo.BoxAround(47, 8, 150))
	require.NoError(t, err)
	assert.Equal(t, []emitter.Identification{stored, apA}, got)
}

func TestLocationRespectsTrust(t *testing.T) {
	st := newFakeStore()
	st.put(apA, emitter.Info{Trust: 20, Lat: 47, Lon: 8, Radius: 60})
	c := newTestCache(t, st, Config{})

	_, ok, err := c.Location(ctx, apA)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.IncrementTrust(ctx, apA)
	require.NoError(t, err)
	loc, ok, err := c.Location(ctx, apA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, apA, loc.Ident)
}

func TestClear(t *testing.T) {
	c := newTestCache(t, newFakeStore(), Config{})
	_, err := c.Get(ctx, apA)
	require.NoError(t, err)
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCacheWithSQLite(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "rfloc.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	c := newTestCache(t, db, Config{})
	_, err = c.UpdateCoverage(ctx, apA, goodA)
	require.NoError(t, err)
	_, err = c.IncrementTrust(ctx, apA)
	require.NoError(t, err)
	require.NoError(t, c.Sync(ctx))

	// a fresh cache sees what the first one wrote
	fresh := newTestCache(t, db, Config{})
	v, err := fresh.Get(ctx, apA)
	require.NoError(t, err)
	assert.Equal(t, emitter.StatusCached, v.Status)
	assert.Equal(t, 10, v.Trust)
	assert.Equal(t, emitter.Coverage{Lat: 47, Lon: 8}, v.Coverage)
}
