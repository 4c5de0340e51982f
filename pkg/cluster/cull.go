// Package cluster rejects emitter locations that disagree with the rest of
// a scan, which is how moved or mobile emitters are kept out of a fix.
package cluster

import (
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
)

// Compatible reports whether two locations could have been heard from the
// same place: their distance less both accuracies is within threshold meters.
func Compatible(a, b emitter.Location, threshold float64) bool {
	return geo.Distance(a.Point(), b.Point())-a.Accuracy-b.Accuracy <= threshold
}

// Cull returns the largest group of mutually compatible locations. Every
// location seeds its own group and joins each other group it is compatible
// with, so groups may overlap. Groups of equal size are resolved in favour
// of the one seeded earliest, and members keep their input order.
func Cull(locations []emitter.Location, threshold float64) []emitter.Location {
	if len(locations) < 2 {
		return locations
	}

	groups := make([][]int, len(locations))
	members := make([][]bool, len(locations))
	for i := range locations {
		groups[i] = []int{i}
		members[i] = make([]bool, len(locations))
		members[i][i] = true
	}

	for i, loc := range locations {
		for g := range groups {
			if members[g][i] || !fits(loc, groups[g], locations, threshold) {
				continue
			}
			groups[g] = append(groups[g], i)
			members[g][i] = true
		}
	}

	best := 0
	for g := range groups {
		if len(groups[g]) > len(groups[best]) {
			best = g
		}
	}

	result := make([]emitter.Location, 0, len(groups[best]))
	for i := range locations {
		if members[best][i] {
			result = append(result, locations[i])
		}
	}
	return result
}

func fits(loc emitter.Location, group []int, locations []emitter.Location, threshold float64) bool {
	for _, m := range group {
		if !Compatible(loc, locations[m], threshold) {
			return false
		}
	}
	return true
}
