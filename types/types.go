package types

import "time"

// Coordinate holds lat/lon
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Position is a single sample from a position source. Accuracy is the
// horizontal accuracy in metres, zero when the source does not report one.
type Position struct {
	Coordinate
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Route is one candidate returned by the directions service. Seq is the
// request sequence number that produced it and is zero until the route has
// been accepted by a controller.
type Route struct {
	ID        string       `json:"id"`
	Seq       uint64       `json:"seq"`
	Geometry  []Coordinate `json:"geometry"`
	DistanceM float64      `json:"distance_m"`
	DurationS float64      `json:"duration_s"`
}

// ArrivalEvent is raised once per destination when the agent comes within
// the arrival threshold.
type ArrivalEvent struct {
	SessionID   string     `json:"session_id"`
	Destination Coordinate `json:"destination"`
	Position    Position   `json:"position"`
	DistanceM   float64    `json:"distance_m"`
	At          time.Time  `json:"at"`
}
