package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// DistSq returns the squared planar distance between two coordinates.
// It is monotonic in true distance at city scale, which is all the
// matcher needs for ranking candidates, and skips the root extraction.
func DistSq(a, b models.Coord) float64 {
	dx := a.Lon - b.Lon
	dy := a.Lat - b.Lat
	return dx*dx + dy*dy
}

// Haversine distance in meters. Kept for ETA estimation and the redis
// mirror; matching itself ranks by DistSq.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
