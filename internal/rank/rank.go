// Package rank filters and orders driver candidates for a pickup point.
package rank

import (
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// IndifferenceBandKm is the width of the distance band inside which two
// candidates are treated as equally close. GPS jitter at this scale would
// otherwise reshuffle the head of the list between ranking runs.
const IndifferenceBandKm = 0.1

// Candidate pairs a snapshot with its computed pickup distance.
type Candidate struct {
	Driver     models.DriverSnapshot
	DistanceKm float64
}

// Rank returns the eligible drivers from pool ordered for offering.
// Eligibility: online, approved, and within radiusKm of pickup.
// Order: distance, with candidates inside a 0.1 km band treated as tied
// and ordered by rating descending, then last-active ascending (the
// longest-idle driver first), then ID so the result is a total order.
// No eligible candidates yields an empty slice, not an error.
func Rank(pickup models.Coordinate, pool []models.DriverSnapshot, radiusKm float64) []Candidate {
	cands := make([]Candidate, 0, len(pool))
	for _, d := range pool {
		if d.Availability != models.AvailabilityOnline {
			continue
		}
		if d.Approval != models.ApprovalApproved {
			continue
		}
		dist := geo.DistanceKm(pickup, d.Position)
		if dist > radiusKm {
			continue
		}
		cands = append(cands, Candidate{Driver: d, DistanceKm: dist})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].Driver.ID < cands[j].Driver.ID
	})

	// Sweep the distance-sorted list into tie groups: a candidate joins
	// the current group while it is within the band of the group head.
	// A pairwise "within 0.1 km" relation is not transitive, so grouping
	// against the head is what keeps the overall order well defined.
	for start := 0; start < len(cands); {
		end := start + 1
		for end < len(cands) && cands[end].DistanceKm-cands[start].DistanceKm <= IndifferenceBandKm {
			end++
		}
		group := cands[start:end]
		sort.Slice(group, func(i, j int) bool {
			di, dj := group[i].Driver, group[j].Driver
			if di.Rating != dj.Rating {
				return di.Rating > dj.Rating
			}
			if !di.LastActive.Equal(dj.LastActive) {
				return di.LastActive.Before(dj.LastActive)
			}
			return di.ID < dj.ID
		})
		start = end
	}
	return cands
}
