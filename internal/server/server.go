package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/musthaq16/navtracker/internal/journal"
	"github.com/musthaq16/navtracker/internal/reroute"
	"github.com/musthaq16/navtracker/internal/stream"
	"github.com/musthaq16/navtracker/types"
)

// Tracker is the part of the reroute controller the API drives.
type Tracker interface {
	OnPosition(pos types.Position)
	SelectDestination(dest types.Coordinate)
	Cancel()
	Snapshot() reroute.State
}

// ArrivalLister reads the arrival journal.
type ArrivalLister interface {
	Arrivals(ctx context.Context, sessionID string, limit int) ([]journal.Arrival, error)
}

type Server struct {
	App      *fiber.App
	Tracker  Tracker
	Stream   *stream.Hub
	Arrivals ArrivalLister
}

var validate = validator.New()

// NewServer builds the app. arrivals may be nil when no journal is configured.
func NewServer(tracker Tracker, hub *stream.Hub, arrivals ArrivalLister) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:      app,
		Tracker:  tracker,
		Stream:   hub,
		Arrivals: arrivals,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.App.Group("/api")
	api.Post("/positions", s.postPosition)
	api.Post("/destination", s.postDestination)
	api.Delete("/destination", s.deleteDestination)
	api.Get("/state", s.getState)
	api.Get("/arrivals", s.getArrivals)

	if s.Stream != nil {
		stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
	}
}

// ShutdownWithTimeout stops accepting requests and waits for in-flight ones.
func (s *Server) ShutdownWithTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.App.ShutdownWithContext(ctx)
}
