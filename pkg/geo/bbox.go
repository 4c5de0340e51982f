package geo

import (
	"fmt"
	"math"
)

// BoundingBox is an axis-aligned box that only ever grows. The zero value is
// not usable; construct with NewBoundingBox so the first update wins.
type BoundingBox struct {
	North float64
	South float64
	East  float64
	West  float64
}

// NewBoundingBox returns an empty box with impossible extents.
func NewBoundingBox() BoundingBox {
	return BoundingBox{North: -91, South: 91, East: -181, West: 181}
}

// BoxAround returns a box covering radius meters around (lat, lon).
func BoxAround(lat, lon, radius float64) BoundingBox {
	b := NewBoundingBox()
	b.ExpandRadius(lat, lon, radius)
	return b
}

// ExpandRadius grows the box to include a disk of radius meters around (lat, lon).
func (b *BoundingBox) ExpandRadius(lat, lon, radius float64) {
	dLat := radius * MeterToDeg
	dLon := LonDegrees(radius, lat)
	b.North = math.Max(b.North, lat+dLat)
	b.South = math.Min(b.South, lat-dLat)
	b.East = math.Max(b.East, lon+dLon)
	b.West = math.Min(b.West, lon-dLon)
}

// Expand grows the box to include a bare point.
func (b *BoundingBox) Expand(lat, lon float64) {
	b.North = math.Max(b.North, lat)
	b.South = math.Min(b.South, lat)
	b.East = math.Max(b.East, lon)
	b.West = math.Min(b.West, lon)
}

// Empty reports whether nothing has been added yet.
func (b BoundingBox) Empty() bool {
	return b.North < b.South || b.East < b.West
}

// Contains reports whether (lat, lon) lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat <= b.North && lat >= b.South && lon <= b.East && lon >= b.West
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%f,%f,%f,%f)", b.North, b.South, b.East, b.West)
}
