package navigation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/musthaq16/navtracker/types"
)

// Sink receives positions produced by a simulated traversal.
type Sink func(pos types.Position)

// Launcher runs one navigation session at a time. A simulated session walks
// the route geometry, emitting one position per interval to every sink.
type Launcher struct {
	sessionID string
	interval  time.Duration
	sinks     []Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLauncher(sessionID string, interval time.Duration, sinks ...Sink) *Launcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Launcher{sessionID: sessionID, interval: interval, sinks: sinks}
}

// Launch replaces the running session with one for route. It never blocks.
func (l *Launcher) Launch(route types.Route, simulate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	if !simulate {
		log.Printf("[%s] Navigation started for route %s (live)", l.sessionID, route.ID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.simulate(ctx, route)
	}()
}

// Stop ends the running session and waits for it to exit.
func (l *Launcher) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Launcher) simulate(ctx context.Context, route types.Route) {
	log.Printf("[%s] Starting simulated route %s with %d points", l.sessionID, route.ID, len(route.Geometry))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for i, pt := range route.Geometry {
		pos := types.Position{Coordinate: pt, Timestamp: time.Now()}
		for _, sink := range l.sinks {
			sink(pos)
		}

		if i == len(route.Geometry)-1 {
			break
		}
		select {
		case <-ctx.Done():
			log.Printf("[%s] Simulated route %s stopped at point %d", l.sessionID, route.ID, i+1)
			return
		case <-ticker.C:
		}
	}

	log.Printf("[%s] Simulated route %s completed", l.sessionID, route.ID)
}
