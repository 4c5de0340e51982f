package kalman

import (
	"math"
	"sync"
	"time"

	"github.com/starfail/rfloc/pkg/geo"
)

const (
	// GPSProcessNoise is used when smoothing reference fixes. There is no
	// accelerometer input so it is tuned for 0-100 km/h in about 5 seconds.
	GPSProcessNoise = 3.0
	// PositionProcessNoise is used when smoothing the locator's own results.
	PositionProcessNoise = 6.0

	// MinAccuracy is the best accuracy an estimate will ever claim, in meters.
	MinAccuracy = 3.0
	// MovingThreshold is the speed (m/s) above which bearing is updated.
	MovingThreshold = 0.7

	altitudeNoise = 10.0
)

// Tracker runs one Filter1D per axis: latitude and longitude in degrees,
// altitude in meters once a fix carries one.
type Tracker struct {
	mu       sync.Mutex
	lat      *Filter1D
	lon      *Filter1D
	alt      *Filter1D
	bearing  float64
	samples  int
	lastTime time.Time
}

// NewTracker seeds a tracker from its first fix.
func NewTracker(fix geo.Fix, processNoise float64) *Tracker {
	noiseDeg := processNoise * geo.MeterToDeg

	t := &Tracker{
		lat:      NewFilter1D(noiseDeg, fix.Time),
		lon:      NewFilter1D(noiseDeg, fix.Time),
		samples:  1,
		lastTime: fix.Time,
	}
	t.lat.SetState(fix.Lat, 0, fix.Accuracy*geo.MeterToDeg)
	t.lon.SetState(fix.Lon, 0, geo.LonDegrees(fix.Accuracy, fix.Lat))
	if fix.HasAltitude {
		t.alt = NewFilter1D(altitudeNoise, fix.Time)
		t.alt.SetState(fix.Altitude, 0, fix.Accuracy)
	}
	return t
}

// Update folds a new fix into the estimate.
func (t *Tracker) Update(fix geo.Fix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.predict(fix.Time)
	if fix.Time.After(t.lastTime) {
		t.lastTime = fix.Time
	}
	t.samples++

	t.lat.Update(fix.Lat, fix.Accuracy*geo.MeterToDeg)
	t.lon.Update(fix.Lon, geo.LonDegrees(fix.Accuracy, fix.Lat))

	if fix.HasAltitude {
		if t.alt == nil {
			t.alt = NewFilter1D(altitudeNoise, fix.Time)
			t.alt.SetState(fix.Altitude, 0, fix.Accuracy)
		} else {
			t.alt.Update(fix.Altitude, fix.Accuracy)
		}
	}
}

// Predict advances every axis to at.
func (t *Tracker) Predict(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.predict(at)
}

func (t *Tracker) predict(at time.Time) {
	t.lat.Predict(at)
	t.lon.Predict(at)
	if t.alt != nil {
		t.alt.Predict(at)
	}
}

// Estimate predicts to at and returns the smoothed position in meters-based
// accuracy, with speed and bearing derived from the velocity state.
func (t *Tracker) Estimate(at time.Time) geo.Fix {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.predict(at)

	fix := geo.Fix{
		Lat:      t.lat.Position(),
		Lon:      t.lon.Position(),
		Accuracy: math.Max(t.lat.Accuracy()*geo.DegToMeter, MinAccuracy),
		Samples:  t.samples,
		Time:     at,
	}
	if t.alt != nil {
		fix.Altitude = t.alt.Position()
		fix.HasAltitude = true
	}

	north := t.lat.Velocity() * geo.DegToMeter
	east := geo.LonMeters(t.lon.Velocity(), fix.Lat)
	fix.Speed = math.Hypot(north, east)
	if fix.Speed > MovingThreshold {
		t.bearing = math.Mod(math.Atan2(east, north)*180/math.Pi+360, 360)
	}
	fix.Bearing = t.bearing

	return fix
}

// Samples returns how many fixes have been folded in since the last reset.
func (t *Tracker) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// ResetSamples zeroes the sample counter; called once a result has been reported.
func (t *Tracker) ResetSamples() {
	t.mu.Lock()
	t.samples = 0
	t.mu.Unlock()
}

// LastUpdate returns the time of the newest fix seen.
func (t *Tracker) LastUpdate() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTime
}
