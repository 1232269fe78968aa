package reroute

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/musthaq16/navtracker/internal/arrival"
	"github.com/musthaq16/navtracker/types"
)

// Mode selects what happens to a route accepted for a new destination.
type Mode string

const (
	// ModeTracking only publishes routes to the rendering surface.
	ModeTracking Mode = "tracking"
	// ModeNavigation also hands the first route for a destination to the launcher.
	ModeNavigation Mode = "navigation"
)

// Directions computes candidate routes, best ranked first.
type Directions interface {
	Route(ctx context.Context, origin, destination types.Coordinate) ([]types.Route, error)
}

// Renderer replaces the route shown on the rendering surface. A nil route clears it.
type Renderer interface {
	Publish(route *types.Route)
}

// Launcher hands an accepted route to a turn-by-turn session.
type Launcher interface {
	Launch(route types.Route, simulate bool)
}

// ArrivalNotifier receives the one-shot arrival signal.
type ArrivalNotifier interface {
	Arrived(ev types.ArrivalEvent)
}

// Journal records accepted routes and arrivals. Implementations must not block.
type Journal interface {
	RecordRoute(sessionID string, route types.Route)
	RecordArrival(ev types.ArrivalEvent)
}

// Deps are the controller's collaborators. Only Directions is required.
// Collaborators are called while the controller holds its lock, so they must
// return quickly and must not call back into the controller.
type Deps struct {
	Directions Directions
	Renderer   Renderer
	Launcher   Launcher
	Arrivals   []ArrivalNotifier
	Journal    Journal
}

type Options struct {
	ThresholdMeters float64
	Mode            Mode
	Simulate        bool
	ClearOnArrival  bool
	RequestTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ThresholdMeters <= 0 {
		o.ThresholdMeters = arrival.DefaultThresholdMeters
	}
	if o.Mode == "" {
		o.Mode = ModeTracking
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

type purpose int

const (
	purposeDestination purpose = iota
	purposeReroute
)

// State is a point-in-time copy of the controller state.
type State struct {
	SessionID   string            `json:"session_id"`
	Destination *types.Coordinate `json:"destination,omitempty"`
	Pending     *types.Coordinate `json:"pending,omitempty"`
	Route       *types.Route      `json:"route,omitempty"`
	LastKnown   *types.Position   `json:"last_known,omitempty"`
	Arrived     bool              `json:"arrived"`
	Outstanding uint64            `json:"outstanding_seq"`
	NextSeq     uint64            `json:"next_seq"`
	Mode        Mode              `json:"mode"`
}

// Controller tracks one agent against its destination. All state is guarded
// by mu; route responses are applied through the same lock and only when
// their sequence number is still the outstanding one.
type Controller struct {
	sessionID string
	deps      Deps

	mu          sync.Mutex
	opts        Options
	destination *types.Coordinate
	pending     *types.Coordinate
	route       *types.Route
	lastKnown   *types.Position
	arrived     bool
	outstanding uint64 // 0 means no request is outstanding
	nextSeq     uint64
	closed      bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(sessionID string, opts Options, deps Deps) *Controller {
	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		sessionID: sessionID,
		deps:      deps,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		stop:      stop,
	}
}

// Configure replaces the options of a running controller.
func (c *Controller) Configure(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts.withDefaults()
}

// SetDestination replaces the destination and requests a route from origin.
func (c *Controller) SetDestination(dest types.Coordinate, origin types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = nil
	c.setDestinationLocked(dest, origin)
}

// SelectDestination accepts a destination picked on the map. Without a known
// position the destination is held until the first sample arrives; a later
// selection replaces the held one.
func (c *Controller) SelectDestination(dest types.Coordinate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	log.Printf("[%s] Destination selected: %.6f, %.6f", c.sessionID, dest.Lat, dest.Lon)
	if c.lastKnown == nil {
		c.pending = &dest
		return
	}
	c.pending = nil
	c.setDestinationLocked(dest, *c.lastKnown)
}

// OnPosition consumes one position sample.
func (c *Controller) OnPosition(pos types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.lastKnown = &pos

	if c.pending != nil {
		dest := *c.pending
		c.pending = nil
		if distance := arrival.Distance(pos.Coordinate, dest); distance <= c.opts.ThresholdMeters {
			c.replaceDestinationLocked(dest)
			c.signalArrivalLocked(dest, pos, distance)
			return
		}
		c.setDestinationLocked(dest, pos)
		return
	}
	if c.destination == nil {
		return
	}

	dest := *c.destination
	distance := arrival.Distance(pos.Coordinate, dest)
	if distance <= c.opts.ThresholdMeters {
		if !c.arrived {
			c.signalArrivalLocked(dest, pos, distance)
		}
		return
	}

	c.requestLocked(pos.Coordinate, dest, purposeReroute)
}

// Cancel drops the destination and route. Responses still in flight are
// discarded when they arrive.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.clearLocked()
	log.Printf("[%s] Tracking cancelled", c.sessionID)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		SessionID:   c.sessionID,
		Arrived:     c.arrived,
		Outstanding: c.outstanding,
		NextSeq:     c.nextSeq,
		Mode:        c.opts.Mode,
	}
	if c.destination != nil {
		d := *c.destination
		s.Destination = &d
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	if c.route != nil {
		r := *c.route
		s.Route = &r
	}
	if c.lastKnown != nil {
		p := *c.lastKnown
		s.LastKnown = &p
	}
	return s
}

// Wait blocks until every route request issued so far has completed.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops the session: in-flight requests are cancelled and every later
// call is ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.outstanding = 0
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

func (c *Controller) setDestinationLocked(dest types.Coordinate, origin types.Position) {
	c.replaceDestinationLocked(dest)
	c.requestLocked(origin.Coordinate, dest, purposeDestination)
}

// replaceDestinationLocked swaps the destination, resets the latch and
// drops the route and any outstanding request for the old destination.
func (c *Controller) replaceDestinationLocked(dest types.Coordinate) {
	c.destination = &dest
	c.arrived = false
	c.outstanding = 0
	if c.route != nil {
		c.route = nil
		c.publishLocked(nil)
	}
}

func (c *Controller) clearLocked() {
	hadRoute := c.route != nil
	c.destination = nil
	c.pending = nil
	c.route = nil
	c.arrived = false
	c.outstanding = 0
	if hadRoute {
		c.publishLocked(nil)
	}
}

func (c *Controller) signalArrivalLocked(dest types.Coordinate, pos types.Position, distance float64) {
	c.arrived = true
	ev := types.ArrivalEvent{
		SessionID:   c.sessionID,
		Destination: dest,
		Position:    pos,
		DistanceM:   distance,
		At:          time.Now(),
	}
	log.Printf("[%s] Arrived at destination (%.1f m)", c.sessionID, distance)

	for _, n := range c.deps.Arrivals {
		n.Arrived(ev)
	}
	if c.deps.Journal != nil {
		c.deps.Journal.RecordArrival(ev)
	}
	if c.opts.ClearOnArrival {
		c.clearLocked()
	}
}

// requestLocked supersedes any outstanding request and starts a new one.
func (c *Controller) requestLocked(origin, dest types.Coordinate, p purpose) {
	c.nextSeq++
	seq := c.nextSeq
	c.outstanding = seq
	timeout := c.opts.RequestTimeout

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		defer cancel()

		routes, err := c.deps.Directions.Route(ctx, origin, dest)
		c.complete(seq, p, routes, err)
	}()
}

func (c *Controller) complete(seq uint64, p purpose, routes []types.Route, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || seq != c.outstanding {
		// superseded by a newer request or by Cancel
		return
	}
	c.outstanding = 0

	if err != nil {
		log.Printf("[%s] Route request %d failed: %v", c.sessionID, seq, err)
		return
	}
	if len(routes) == 0 {
		log.Printf("[%s] Route request %d returned no routes", c.sessionID, seq)
		return
	}

	route := routes[0]
	route.Seq = seq
	c.route = &route
	log.Printf("[%s] Route %d accepted with %d points", c.sessionID, seq, len(route.Geometry))

	c.publishLocked(&route)
	if c.deps.Journal != nil {
		c.deps.Journal.RecordRoute(c.sessionID, route)
	}
	if p == purposeDestination && c.opts.Mode == ModeNavigation && c.deps.Launcher != nil {
		c.deps.Launcher.Launch(route, c.opts.Simulate)
	}
}

func (c *Controller) publishLocked(route *types.Route) {
	if c.deps.Renderer != nil {
		c.deps.Renderer.Publish(route)
	}
}
