package arrival

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/musthaq16/navtracker/types"
)

// DefaultThresholdMeters is the radius inside which the agent counts as arrived.
const DefaultThresholdMeters = 100.0

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b types.Coordinate) float64 {
	return geo.DistanceHaversine(orb.Point{a.Lon, a.Lat}, orb.Point{b.Lon, b.Lat})
}

// HasArrived reports whether current lies within thresholdMeters of destination.
func HasArrived(current, destination types.Coordinate, thresholdMeters float64) bool {
	return Distance(current, destination) <= thresholdMeters
}
