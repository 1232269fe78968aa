package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/musthaq16/navtracker/internal/reroute"
	"github.com/musthaq16/navtracker/types"
)

func receive(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case msg := <-c.Send:
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for frame")
		return Frame{}
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	client := hub.Register("session-1")
	defer hub.Unregister(client)

	hub.Broadcast("session-1", []byte("hello"))

	select {
	case msg := <-client.Send:
		if string(msg) != "hello" {
			t.Fatalf("unexpected message")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("abc")
	if ch != "navtracker:abc:render" {
		t.Fatalf("unexpected channel %s", ch)
	}
	if sessionIDFromChannel(ch) != "abc" {
		t.Fatalf("unexpected session id")
	}
	if sessionIDFromChannel("bad") != "" {
		t.Fatalf("expected empty session id")
	}
}

func TestUnregisterCloses(t *testing.T) {
	hub := NewHub(nil)
	client := hub.Register("session-2")
	hub.Unregister(client)
	hub.Unregister(client)
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected channel closed")
	}
}

func TestLateJoinerGetsLastRoute(t *testing.T) {
	hub := NewHub(nil)
	s := hub.Session("session-3")
	s.SetGeoJSON("route-source", []byte(`{"type":"FeatureCollection","features":[]}`))
	s.SetGeoJSON("route-source", []byte(`{"type":"FeatureCollection","features":[{"type":"Feature"}]}`))

	client := hub.Register("session-3")
	defer hub.Unregister(client)

	f := receive(t, client)
	if f.Type != FrameRoute || f.Layer != "route-source" {
		t.Fatalf("unexpected frame %+v", f)
	}
	var data map[string]any
	_ = json.Unmarshal(f.Data, &data)
	if features, _ := data["features"].([]any); len(features) != 1 {
		t.Fatalf("expected latest layer state, got %s", f.Data)
	}
	select {
	case <-client.Send:
		t.Fatalf("expected a single replayed frame")
	default:
	}
}

func TestOnFirstSubscriber(t *testing.T) {
	hub := NewHub(nil)
	calls := 0
	hub.OnFirstSubscriber(func(sessionID string) {
		if sessionID != "session-4" {
			t.Fatalf("unexpected session %s", sessionID)
		}
		calls++
	})

	a := hub.Register("session-4")
	b := hub.Register("session-4")
	defer hub.Unregister(a)
	defer hub.Unregister(b)

	if calls != 1 {
		t.Fatalf("expected one first-subscriber call, got %d", calls)
	}
}

func TestArrivalAndNavigationFrames(t *testing.T) {
	hub := NewHub(nil)
	client := hub.Register("session-5")
	defer hub.Unregister(client)

	hub.Arrived(types.ArrivalEvent{SessionID: "session-5", DistanceM: 42})
	f := receive(t, client)
	if f.Type != FrameArrival || f.Title != "Destination Reached" || f.Message == "" {
		t.Fatalf("unexpected arrival frame %+v", f)
	}

	hub.Session("session-5").Position(types.Position{Coordinate: types.Coordinate{Lat: 1, Lon: 2}})
	f = receive(t, client)
	if f.Type != FrameNavigation {
		t.Fatalf("unexpected navigation frame %+v", f)
	}
	var pos types.Position
	if err := json.Unmarshal(f.Data, &pos); err != nil || pos.Lat != 1 || pos.Lon != 2 {
		t.Fatalf("unexpected position %s", f.Data)
	}
}

func TestHubRedisMirror(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	hubA := NewHub(rdbA)
	hubB := NewHub(rdbB)
	defer hubA.Close()
	defer hubB.Close()

	local := hubA.Register("session-redis")
	remote := hubB.Register("session-redis")
	defer hubA.Unregister(local)
	defer hubB.Unregister(remote)

	hubA.Broadcast("session-redis", []byte(`{"type":"ping"}`))

	if f := receive(t, local); f.Type != "ping" {
		t.Fatalf("unexpected local frame %+v", f)
	}
	if f := receive(t, remote); f.Type != "ping" {
		t.Fatalf("unexpected mirrored frame %+v", f)
	}

	// the publishing hub must not receive its own frame twice
	select {
	case msg := <-local.Send:
		t.Fatalf("unexpected echo %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRedisPublishError(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	server.Close()
	defer client.Close()

	hub := NewHub(client)
	defer hub.Close()
	node := hub.Register("session-bad")
	defer hub.Unregister(node)

	hub.Broadcast("session-bad", []byte("ping"))
	if msg := <-node.Send; string(msg) != "ping" {
		t.Fatalf("expected local delivery despite redis failure")
	}
}

// fastRedisTimings shortens the redis timings for hubs created by the test.
func fastRedisTimings(t *testing.T) {
	t.Helper()
	oldSubscribe, oldMin := subscribeTimeout, minBackoff
	subscribeTimeout = 50 * time.Millisecond
	minBackoff = 10 * time.Millisecond
	t.Cleanup(func() {
		subscribeTimeout, minBackoff = oldSubscribe, oldMin
	})
}

// stalledRedis accepts connections and never answers.
func stalledRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return ln.Addr().String()
}

func TestNewHubStalledRedis(t *testing.T) {
	fastRedisTimings(t)
	rdb := redis.NewClient(&redis.Options{Addr: stalledRedis(t)})
	defer rdb.Close()

	start := time.Now()
	hub := NewHub(rdb)
	defer hub.Close()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("NewHub blocked for %s", elapsed)
	}
}

type offlineDirections struct{}

func (offlineDirections) Route(ctx context.Context, origin, dest types.Coordinate) ([]types.Route, error) {
	return nil, errors.New("offline")
}

func TestStalledRedisDoesNotDelayTracking(t *testing.T) {
	fastRedisTimings(t)
	rdb := redis.NewClient(&redis.Options{Addr: stalledRedis(t)})
	defer rdb.Close()

	hub := NewHub(rdb)
	defer hub.Close()
	client := hub.Register("session-stall")
	defer hub.Unregister(client)

	dest := types.Coordinate{Lat: 12.9716, Lon: 77.5946}
	ctrl := reroute.New("session-stall", reroute.Options{}, reroute.Deps{
		Directions: offlineDirections{},
		Arrivals:   []reroute.ArrivalNotifier{hub},
	})
	defer ctrl.Close()

	ctrl.SetDestination(dest, types.Position{Coordinate: types.Coordinate{Lat: 13.0166, Lon: 77.5946}})
	ctrl.Wait()

	start := time.Now()
	ctrl.OnPosition(types.Position{Coordinate: dest})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("OnPosition took %s", elapsed)
	}
	if f := receive(t, client); f.Type != FrameArrival {
		t.Fatalf("expected local arrival frame, got %+v", f)
	}

	// overflow the mirror backlog; frames are dropped instead of blocking
	start = time.Now()
	for i := 0; i < 1000; i++ {
		hub.Broadcast("session-flood", []byte(`{"type":"ping"}`))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Broadcast blocked for %s", elapsed)
	}
}

func TestHubRedisResubscribes(t *testing.T) {
	fastRedisTimings(t)
	s := miniredis.RunT(t)
	s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	hub := NewHub(rdb)
	defer hub.Close()
	client := hub.Register("session-retry")
	defer hub.Unregister(client)

	if err := s.Restart(); err != nil {
		t.Fatalf("restart redis: %v", err)
	}

	msg, _ := json.Marshal(envelope{Origin: "other-hub", Payload: json.RawMessage(`{"type":"ping"}`)})
	deadline := time.Now().Add(3 * time.Second)
	for s.Publish(redisChannel("session-retry"), string(msg)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub did not resubscribe after redis came back")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if f := receive(t, client); f.Type != "ping" {
		t.Fatalf("unexpected mirrored frame %+v", f)
	}
}
