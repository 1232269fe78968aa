package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/musthaq16/navtracker/types"
)

// ErrUnavailable reports that no position samples can be produced.
var ErrUnavailable = errors.New("position unavailable")

// GPXSource replays the track points of a GPX file at a fixed interval.
type GPXSource struct {
	path     string
	interval time.Duration
}

func NewGPXSource(path string, interval time.Duration) *GPXSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &GPXSource{path: path, interval: interval}
}

// Run emits samples until the track is exhausted or ctx is done. Failures are
// reported to onError wrapped in ErrUnavailable.
func (s *GPXSource) Run(ctx context.Context, onSample func(types.Position), onError func(error)) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		onError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}

	points, err := ParseTrack(data)
	if err != nil {
		onError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}

	log.Printf("Replaying %d positions from %s", len(points), s.path)
	replay(ctx, points, s.interval, onSample)
}

func replay(ctx context.Context, points []types.Position, interval time.Duration, onSample func(types.Position)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i, p := range points {
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now()
		}
		onSample(p)

		if i == len(points)-1 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ParseTrack returns every track point of a GPX document in order. Route
// points are used when the document has no tracks.
func ParseTrack(data []byte) ([]types.Position, error) {
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	var points []types.Position
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				points = append(points, fromGPX(p))
			}
		}
	}
	if len(points) == 0 {
		for _, route := range doc.Routes {
			for _, p := range route.Points {
				points = append(points, fromGPX(p))
			}
		}
	}
	if len(points) == 0 {
		return nil, errors.New("gpx has no track points")
	}
	return points, nil
}

// fromGPX leaves Accuracy unset: GPX carries only hdop, a unitless dilution
// factor, and no accuracy in metres.
func fromGPX(p gpx.GPXPoint) types.Position {
	return types.Position{
		Coordinate: types.Coordinate{Lat: p.Latitude, Lon: p.Longitude},
		Timestamp:  p.Timestamp,
	}
}
