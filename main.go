package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/musthaq16/navtracker/internal/config"
	"github.com/musthaq16/navtracker/internal/db"
	"github.com/musthaq16/navtracker/internal/journal"
	"github.com/musthaq16/navtracker/internal/navigation"
	"github.com/musthaq16/navtracker/internal/osrm"
	"github.com/musthaq16/navtracker/internal/position"
	"github.com/musthaq16/navtracker/internal/render"
	"github.com/musthaq16/navtracker/internal/reroute"
	"github.com/musthaq16/navtracker/internal/server"
	"github.com/musthaq16/navtracker/internal/state"
	"github.com/musthaq16/navtracker/internal/stream"
	"github.com/musthaq16/navtracker/internal/telemetry"
	"github.com/musthaq16/navtracker/types"
)

const configPath = "config.yaml"

type trackerManager struct {
	sessionID  string
	controller *reroute.Controller
	launcher   *navigation.Launcher
	hub        *stream.Hub
	store      *state.Store
	telemetry  *telemetry.Client
	server     *server.Server

	// stopJournal is called after the controller is closed so the journal
	// flushes every entry the session produced.
	stopJournal context.CancelFunc

	mu       sync.Mutex
	applied  reroute.Options
	wg       sync.WaitGroup
	stopChan chan struct{}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.Watch()

	ctx := withSignalHandler(context.Background())

	tm, err := newTrackerManager(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start tracker: %v", err)
	}

	tm.restore(cfg)
	tm.startPositionSource(ctx, cfg)

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		tm.watchConfigChanges()
	}()

	go func() {
		log.Printf("[%s] Listening on %s", tm.sessionID, cfg.Server.Address)
		if err := tm.server.App.Listen(cfg.Server.Address); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	tm.shutdown()
}

func newTrackerManager(ctx context.Context, cfg *config.AppConfig) (*trackerManager, error) {
	sessionID := cfg.Session.ID

	redisClient := db.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password)
	hub := stream.NewHub(redisClient)

	surface := hub.Session(sessionID)
	gateway := render.NewGateway(surface)
	hub.OnFirstSubscriber(func(id string) {
		if id == sessionID {
			gateway.Ready()
		}
	})

	tm := &trackerManager{
		sessionID: sessionID,
		hub:       hub,
		store:     state.NewStore(cfg.State.Dir),
		stopChan:  make(chan struct{}),
	}

	deps := reroute.Deps{
		Directions: osrm.NewClient(cfg.Directions.BaseURL, cfg.Directions.Profile, cfg.Directions.AccessToken, cfg.Directions.Timeout()),
		Renderer:   gateway,
		Arrivals:   []reroute.ArrivalNotifier{hub},
	}

	var arrivals server.ArrivalLister
	pool, err := db.ConnectPostgres(cfg.Postgres.URL)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		w := journal.NewWriter(pool, 256)
		if err := w.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		journalCtx, stopJournal := context.WithCancel(context.Background())
		tm.stopJournal = stopJournal
		tm.wg.Add(1)
		go func() {
			defer tm.wg.Done()
			w.Run(journalCtx)
		}()
		deps.Journal = w
		arrivals = w
	}

	sinks := []navigation.Sink{surface.Position}
	if cfg.Navigation.TelemetryAddress != "" {
		client, err := telemetry.Dial(cfg.Navigation.TelemetryAddress, cfg.Navigation.Imei)
		if err != nil {
			log.Printf("[%s] Telemetry disabled: %v", sessionID, err)
		} else {
			tm.telemetry = client
			sinks = append(sinks, func(pos types.Position) {
				if err := client.Send(pos); err != nil {
					log.Printf("[%s] Telemetry send failed: %v", sessionID, err)
				}
			})
		}
	}
	if cfg.Navigation.FeedTracker {
		sinks = append(sinks, func(pos types.Position) {
			tm.controller.OnPosition(pos)
		})
	}

	tm.launcher = navigation.NewLauncher(sessionID, cfg.Navigation.Interval(), sinks...)
	deps.Launcher = tm.launcher

	tm.applied = optionsFrom(cfg)
	tm.controller = reroute.New(sessionID, tm.applied, deps)
	tm.server = server.NewServer(tm.controller, hub, arrivals)
	return tm, nil
}

func optionsFrom(cfg *config.AppConfig) reroute.Options {
	return reroute.Options{
		ThresholdMeters: cfg.Tracking.ArrivalThresholdMeters,
		Mode:            reroute.Mode(cfg.Tracking.Mode),
		Simulate:        cfg.Navigation.Simulate,
		ClearOnArrival:  cfg.Tracking.ClearOnArrival,
		RequestTimeout:  cfg.Directions.Timeout(),
	}
}

// restore brings back the saved session, falling back to the configured
// destination.
func (tm *trackerManager) restore(cfg *config.AppConfig) {
	saved, err := tm.store.Load(tm.sessionID)
	if err != nil {
		log.Printf("[%s] Failed to load saved state: %v", tm.sessionID, err)
	}
	if saved != nil && saved.LastKnown != nil {
		tm.controller.OnPosition(*saved.LastKnown)
	}
	if saved != nil && saved.Destination != nil {
		log.Printf("[%s] Resuming destination %.6f, %.6f", tm.sessionID, saved.Destination.Lat, saved.Destination.Lon)
		tm.controller.SelectDestination(*saved.Destination)
		return
	}

	if cfg.Tracking.Destination == "" {
		return
	}
	dest, err := osrm.ParseCoord(cfg.Tracking.Destination)
	if err != nil {
		log.Printf("[%s] Ignoring configured destination: %v", tm.sessionID, err)
		return
	}
	tm.controller.SelectDestination(dest)
}

func (tm *trackerManager) startPositionSource(ctx context.Context, cfg *config.AppConfig) {
	if cfg.Position.Source != "gpx" {
		return
	}

	src := position.NewGPXSource(cfg.Position.GPXFile, cfg.Position.Interval())
	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		src.Run(ctx, tm.controller.OnPosition, func(err error) {
			log.Printf("[%s] Position source stopped: %v", tm.sessionID, err)
		})
	}()
}

// watchConfigChanges applies reloaded tracking options to the running controller.
func (tm *trackerManager) watchConfigChanges() {
	ticker := time.NewTicker(5 * time.Second) // Check every 5 seconds
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cfg := config.GetCurrentConfig()
			if cfg == nil {
				continue
			}
			opts := optionsFrom(cfg)

			tm.mu.Lock()
			changed := opts != tm.applied
			tm.applied = opts
			tm.mu.Unlock()

			if changed {
				log.Printf("[%s] Applying reloaded tracking options: %+v", tm.sessionID, opts)
				tm.controller.Configure(opts)
			}

		case <-tm.stopChan:
			return
		}
	}
}

func (tm *trackerManager) shutdown() {
	log.Printf("[%s] Shutting down, saving state...", tm.sessionID)
	close(tm.stopChan)

	if err := tm.server.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	snap := tm.controller.Snapshot()
	dest := snap.Destination
	if dest == nil {
		dest = snap.Pending
	}
	if err := tm.store.Save(state.Session{
		SessionID:   tm.sessionID,
		Destination: dest,
		LastKnown:   snap.LastKnown,
	}); err != nil {
		log.Printf("[%s] Failed to save state: %v", tm.sessionID, err)
	}

	tm.controller.Close()
	tm.launcher.Stop()
	if tm.stopJournal != nil {
		tm.stopJournal()
	}
	if tm.telemetry != nil {
		tm.telemetry.Close()
	}
	tm.hub.Close()

	waitChan := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Println("Tracker stopped, state saved")
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for workers to stop, forcing exit")
	}
}

// withSignalHandler creates a context that cancels on OS signals
func withSignalHandler(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, stopping tracker...", sig)
		cancel()
	}()

	return ctx
}
