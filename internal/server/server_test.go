package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/musthaq16/navtracker/internal/journal"
	"github.com/musthaq16/navtracker/internal/reroute"
	"github.com/musthaq16/navtracker/internal/stream"
	"github.com/musthaq16/navtracker/types"
)

type fakeTracker struct {
	mu        sync.Mutex
	positions []types.Position
	selected  []types.Coordinate
	cancelled int
}

func (f *fakeTracker) OnPosition(pos types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
}

func (f *fakeTracker) SelectDestination(dest types.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, dest)
}

func (f *fakeTracker) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeTracker) Snapshot() reroute.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := reroute.State{SessionID: "s1", Mode: reroute.ModeTracking}
	if n := len(f.selected); n > 0 {
		d := f.selected[n-1]
		s.Destination = &d
	}
	return s
}

type fakeArrivals struct {
	sessionID string
	limit     int
	err       error
}

func (f *fakeArrivals) Arrivals(ctx context.Context, sessionID string, limit int) ([]journal.Arrival, error) {
	f.sessionID = sessionID
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []journal.Arrival{{SessionID: sessionID, DistanceM: 42, ArrivedAt: time.Unix(0, 0).UTC()}}, nil
}

func do(t *testing.T, s *Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	s := NewServer(&fakeTracker{}, nil, nil)
	resp := do(t, s, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPostPosition(t *testing.T) {
	tracker := &fakeTracker{}
	s := NewServer(tracker, nil, nil)

	resp := do(t, s, http.MethodPost, "/api/positions", `{"lat":0,"lon":77.5,"accuracy":5}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(tracker.positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(tracker.positions))
	}
	got := tracker.positions[0]
	if got.Lat != 0 || got.Lon != 77.5 || got.Accuracy != 5 {
		t.Fatalf("unexpected position: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to default to now")
	}
}

func TestPostPositionRejectsInvalid(t *testing.T) {
	tracker := &fakeTracker{}
	s := NewServer(tracker, nil, nil)

	for _, body := range []string{
		`{"lon":77.5}`,
		`{"lat":91,"lon":0}`,
		`{"lat":0,"lon":-181}`,
		`{"lat":1,"lon":1,"accuracy":-1}`,
		`not json`,
	} {
		resp := do(t, s, http.MethodPost, "/api/positions", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if len(tracker.positions) != 0 {
		t.Fatalf("invalid samples must not reach the tracker")
	}
}

func TestDestinationLifecycle(t *testing.T) {
	tracker := &fakeTracker{}
	s := NewServer(tracker, nil, nil)

	resp := do(t, s, http.MethodPost, "/api/destination", `{"lat":12.98,"lon":77.6}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var state reroute.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Destination == nil || state.Destination.Lat != 12.98 {
		t.Fatalf("unexpected state: %+v", state)
	}

	resp = do(t, s, http.MethodDelete, "/api/destination", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if tracker.cancelled != 1 {
		t.Fatalf("expected cancel to be called once, got %d", tracker.cancelled)
	}

	resp = do(t, s, http.MethodPost, "/api/destination", `{"lat":12.98}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing lon, got %d", resp.StatusCode)
	}
}

func TestGetState(t *testing.T) {
	s := NewServer(&fakeTracker{}, nil, nil)
	resp := do(t, s, http.MethodGet, "/api/state", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var state reroute.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.SessionID != "s1" || state.Destination != nil {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestGetArrivals(t *testing.T) {
	s := NewServer(&fakeTracker{}, nil, nil)
	if resp := do(t, s, http.MethodGet, "/api/arrivals", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", resp.StatusCode)
	}

	arrivals := &fakeArrivals{}
	s = NewServer(&fakeTracker{}, nil, arrivals)
	resp := do(t, s, http.MethodGet, "/api/arrivals?limit=5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if arrivals.sessionID != "s1" || arrivals.limit != 5 {
		t.Fatalf("unexpected query: %+v", arrivals)
	}
	var rows []journal.Arrival
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].DistanceM != 42 {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	if resp := do(t, s, http.MethodGet, "/api/arrivals?limit=0", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}

	arrivals.err = errors.New("db down")
	if resp := do(t, s, http.MethodGet, "/api/arrivals", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestStreamRequiresUpgrade(t *testing.T) {
	hub := stream.NewHub(nil)
	defer hub.Close()
	s := NewServer(&fakeTracker{}, hub, nil)

	resp := do(t, s, http.MethodGet, "/stream/ws/s1", "")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
}
