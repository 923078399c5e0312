package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine great-circle distance between a and b
// in kilometres. Callers supply valid degree ranges; out-of-range input
// yields a mathematically defined but meaningless value.
func DistanceKm(a, b models.Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
