package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/musthaq16/navtracker/types"
)

type positionRequest struct {
	Lat       *float64  `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon       *float64  `json:"lon" validate:"required,gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

type destinationRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

func (s *Server) postPosition(c *fiber.Ctx) error {
	var req positionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	s.Tracker.OnPosition(types.Position{
		Coordinate: types.Coordinate{Lat: *req.Lat, Lon: *req.Lon},
		Accuracy:   req.Accuracy,
		Timestamp:  req.Timestamp,
	})
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) postDestination(c *fiber.Ctx) error {
	var req destinationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.Tracker.SelectDestination(types.Coordinate{Lat: *req.Lat, Lon: *req.Lon})
	return c.Status(fiber.StatusAccepted).JSON(s.Tracker.Snapshot())
}

func (s *Server) deleteDestination(c *fiber.Ctx) error {
	s.Tracker.Cancel()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getState(c *fiber.Ctx) error {
	return c.JSON(s.Tracker.Snapshot())
}

func (s *Server) getArrivals(c *fiber.Ctx) error {
	if s.Arrivals == nil {
		return fiber.NewError(fiber.StatusNotFound, "arrival journal not configured")
	}
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 500 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 500")
	}

	arrivals, err := s.Arrivals.Arrivals(c.UserContext(), s.Tracker.Snapshot().SessionID, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(arrivals)
}
