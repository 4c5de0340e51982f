// Package geo holds the small amount of spherical math the locator needs.
package geo

import "math"

const (
	// DegToMeter is the length of one degree of latitude.
	DegToMeter = 111225.0
	// MeterToDeg converts meters to degrees of latitude.
	MeterToDeg = 1.0 / DegToMeter
	// MinCos keeps longitude conversions finite near the poles.
	MinCos = 0.01

	earthRadius = 6371000.0 // meters
)

// Point is a position in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// CosLat returns cos(lat) floored at MinCos.
func CosLat(lat float64) float64 {
	return math.Max(MinCos, math.Cos(lat*math.Pi/180))
}

// Distance returns the great circle distance in meters using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadius * c
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// LonDegrees converts an east-west distance in meters to degrees of longitude at lat.
func LonDegrees(meters, lat float64) float64 {
	return meters * MeterToDeg / CosLat(lat)
}

// LonMeters converts degrees of longitude at lat to meters.
func LonMeters(degrees, lat float64) float64 {
	return degrees * DegToMeter * CosLat(lat)
}
