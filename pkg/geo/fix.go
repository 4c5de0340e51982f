package geo

import "time"

// NullIslandRadius is how close to (0,0) a fix may be before it is treated as
// a receiver that reported zeros instead of a position.
const NullIslandRadius = 1000.0

// Fix is a positioned, accuracy-tagged sample. It is used both for reference
// positions coming from GPS and for positions the locator produces.
type Fix struct {
	Lat         float64   `json:"latitude"`
	Lon         float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy"` // meters, 1 sigma radius
	Altitude    float64   `json:"altitude,omitempty"`
	HasAltitude bool      `json:"-"`
	Speed       float64   `json:"speed,omitempty"`   // m/s
	Bearing     float64   `json:"bearing,omitempty"` // degrees from north
	Samples     int       `json:"samples,omitempty"`
	Source      string    `json:"source,omitempty"`
	Time        time.Time `json:"timestamp"`
}

// Point returns the horizontal position of the fix.
func (f Fix) Point() Point {
	return Point{Lat: f.Lat, Lon: f.Lon}
}

// NearNullIsland reports whether p is within NullIslandRadius of (0,0).
func NearNullIsland(p Point) bool {
	return Distance(p, Point{}) < NullIslandRadius
}
