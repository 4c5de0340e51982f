// Package estimate fuses several independent position estimates into one
package estimate

import (
	"math"
	"time"

	"github.com/starfail/rfloc/pkg/geo"
)

// MinimumAccuracy is the best accuracy a fused position of several samples
// may claim, in meters. Inputs claiming better are clamped to it when they
// are weighted.
const MinimumAccuracy = 15.0

// Sample is one contribution to a weighted average
type Sample struct {
	Lat      float64
	Lon      float64
	Accuracy float64 // meters
	ASU      int     // signal strength, higher means more weight
	Time     time.Time
}

// welford keeps a running weighted mean and sum of squares for one coordinate
type welford struct {
	wSum  float64
	wSum2 float64
	mean  float64
	s     float64
}

func (w *welford) add(x, weight float64) {
	w.wSum += weight
	w.wSum2 += weight * weight
	old := w.mean
	w.mean = old + (weight/w.wSum)*(x-old)
	w.s += weight * (x - old) * (x - w.mean)
}

// stddev is the weighted sample standard deviation with reliability weights.
func (w *welford) stddev() float64 {
	denom := w.wSum - w.wSum2/w.wSum
	if denom <= 0 {
		return 0
	}
	return math.Sqrt(math.Max(0, w.s) / denom)
}

// WeightedAverage accumulates samples weighted by signal strength over
// accuracy. The zero value is ready to use.
type WeightedAverage struct {
	lat     welford
	lon     welford
	count   int
	lastAcc float64
	latest  time.Time
}

// Add folds a sample into the average. Non-positive ASU counts as 1.
func (a *WeightedAverage) Add(s Sample) {
	acc := math.Max(s.Accuracy, MinimumAccuracy)
	asu := math.Max(float64(s.ASU), 1)
	weight := asu / acc

	a.count++
	a.lastAcc = s.Accuracy
	if !(a.lastAcc > 0) {
		a.lastAcc = acc
	}
	a.lat.add(s.Lat, weight)
	a.lon.add(s.Lon, weight)
	if s.Time.After(a.latest) {
		a.latest = s.Time
	}
}

// Count returns how many samples have been added since the last reset.
func (a *WeightedAverage) Count() int {
	return a.count
}

// Result returns the fused position. ok is false when nothing was added. A
// single sample is reported with the accuracy it came with.
func (a *WeightedAverage) Result() (geo.Fix, bool) {
	if a.count == 0 {
		return geo.Fix{}, false
	}

	fix := geo.Fix{
		Lat:     a.lat.mean,
		Lon:     a.lon.mean,
		Samples: a.count,
		Time:    a.latest,
	}
	if a.count == 1 {
		fix.Accuracy = a.lastAcc
		return fix, true
	}

	sdLat := a.lat.stddev() * geo.DegToMeter
	sdLon := geo.LonMeters(a.lon.stddev(), a.lat.mean)
	fix.Accuracy = math.Max(math.Hypot(sdLat, sdLon), MinimumAccuracy)
	return fix, true
}

// Reset discards everything added so far.
func (a *WeightedAverage) Reset() {
	*a = WeightedAverage{}
}
