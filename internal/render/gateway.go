package render

import (
	"log"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/musthaq16/navtracker/types"
)

// RouteLayer is the surface source that holds the route line.
const RouteLayer = "route-source"

// Surface is the rendering surface a gateway draws on.
type Surface interface {
	SetGeoJSON(layer string, payload []byte)
}

// Gateway publishes routes to a Surface. Publications made before Ready are
// held back; only the latest one is kept and it is flushed once on Ready.
type Gateway struct {
	surface Surface
	layer   string

	mu       sync.Mutex
	ready    bool
	deferred []byte
}

func NewGateway(surface Surface) *Gateway {
	return &Gateway{surface: surface, layer: RouteLayer}
}

// Publish replaces the route layer with route, or clears it when route is nil.
func (g *Gateway) Publish(route *types.Route) {
	payload, err := Encode(route)
	if err != nil {
		log.Printf("render: encode route: %v", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.deferred = payload
		return
	}
	g.surface.SetGeoJSON(g.layer, payload)
}

// Ready opens the gate. Calls after the first are no-ops.
func (g *Gateway) Ready() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return
	}
	g.ready = true
	if g.deferred != nil {
		g.surface.SetGeoJSON(g.layer, g.deferred)
		g.deferred = nil
	}
}

// Encode renders route as a feature collection with a single line feature.
// A nil route yields an empty collection.
func Encode(route *types.Route) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	if route != nil {
		line := make(orb.LineString, 0, len(route.Geometry))
		for _, c := range route.Geometry {
			line = append(line, orb.Point{c.Lon, c.Lat})
		}
		f := geojson.NewFeature(line)
		f.Properties["route_id"] = route.ID
		f.Properties["seq"] = route.Seq
		f.Properties["distance_m"] = route.DistanceM
		f.Properties["duration_s"] = route.DurationS
		fc.Append(f)
	}
	return fc.MarshalJSON()
}
