package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/musthaq16/navtracker/types"
)

// Frame is one message pushed to rendering clients.
type Frame struct {
	Type    string          `json:"type"`
	Layer   string          `json:"layer,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message,omitempty"`
}

const (
	FrameRoute      = "route"
	FrameArrival    = "arrival"
	FrameNavigation = "navigation"
)

var (
	// subscribeTimeout bounds each subscribe attempt, including the one
	// NewHub waits for.
	subscribeTimeout = 3 * time.Second
	publishTimeout   = 2 * time.Second
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
)

type Hub struct {
	id      string
	redis   *redis.Client
	outbox  chan outbound
	clients map[string]map[*Client]struct{}
	layers  map[string]map[string][]byte // last route frame per session and layer
	onFirst func(sessionID string)
	mu      sync.RWMutex
	cancel  context.CancelFunc

	subscribeTimeout time.Duration
	publishTimeout   time.Duration
	minBackoff       time.Duration
	maxBackoff       time.Duration
}

type Client struct {
	SessionID string
	Send      chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
		layers:  map[string]map[string][]byte{},
		cancel:  cancel,

		subscribeTimeout: subscribeTimeout,
		publishTimeout:   publishTimeout,
		minBackoff:       minBackoff,
		maxBackoff:       maxBackoff,
	}

	if redisClient != nil {
		h.outbox = make(chan outbound, 256)
		go h.publishRedis(ctx)

		ready := make(chan struct{})
		go h.subscribeRedis(ctx, ready)
		<-ready
	}
	return h
}

// OnFirstSubscriber registers fn to run when a session gets its first client.
func (h *Hub) OnFirstSubscriber(fn func(sessionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFirst = fn
}

// Register adds a client and queues the current layer frames for it.
func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	first := len(h.clients[sessionID]) == 0
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = map[*Client]struct{}{}
	}
	h.clients[sessionID][client] = struct{}{}
	for _, frame := range h.layers[sessionID] {
		client.Send <- frame
	}
	onFirst := h.onFirst
	h.mu.Unlock()

	if first && onFirst != nil {
		onFirst(sessionID)
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionClients, ok := h.clients[client.SessionID]; ok {
		if _, ok := sessionClients[client]; !ok {
			return
		}
		delete(sessionClients, client)
		if len(sessionClients) == 0 {
			delete(h.clients, client.SessionID)
		}
		close(client.Send)
	}
}

// Broadcast sends payload to local clients and mirrors it to redis.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.deliver(sessionID, payload)

	if h.outbox == nil {
		return
	}
	msg, _ := json.Marshal(envelope{Origin: h.id, Payload: payload})
	select {
	case h.outbox <- outbound{channel: redisChannel(sessionID), msg: msg}:
	default:
		log.Printf("[%s] redis mirror backlog full, frame dropped", sessionID)
	}
}

type outbound struct {
	channel string
	msg     []byte
}

// publishRedis mirrors queued frames so Broadcast never waits on the network.
func (h *Hub) publishRedis(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-h.outbox:
			pctx, cancel := context.WithTimeout(ctx, h.publishTimeout)
			err := h.redis.Publish(pctx, o.channel, o.msg).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("redis publish error: %v", err)
			}
		}
	}
}

func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[sessionID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

// SetGeoJSON stores the layer frame for late joiners and broadcasts it.
func (h *Hub) SetGeoJSON(sessionID, layer string, data []byte) {
	payload, err := json.Marshal(Frame{Type: FrameRoute, Layer: layer, Data: data})
	if err != nil {
		log.Printf("[%s] encode route frame: %v", sessionID, err)
		return
	}

	h.mu.Lock()
	if h.layers[sessionID] == nil {
		h.layers[sessionID] = map[string][]byte{}
	}
	h.layers[sessionID][layer] = payload
	h.mu.Unlock()

	h.Broadcast(sessionID, payload)
}

// Arrived pushes the arrival confirmation to the session's clients.
func (h *Hub) Arrived(ev types.ArrivalEvent) {
	data, _ := json.Marshal(ev)
	payload, err := json.Marshal(Frame{
		Type:    FrameArrival,
		Data:    data,
		Title:   "Destination Reached",
		Message: "You have successfully arrived at your destination!",
	})
	if err != nil {
		log.Printf("[%s] encode arrival frame: %v", ev.SessionID, err)
		return
	}
	h.Broadcast(ev.SessionID, payload)
}

// NavigationPosition pushes a simulated traversal position.
func (h *Hub) NavigationPosition(sessionID string, pos types.Position) {
	data, _ := json.Marshal(pos)
	payload, err := json.Marshal(Frame{Type: FrameNavigation, Data: data})
	if err != nil {
		return
	}
	h.Broadcast(sessionID, payload)
}

// Session binds the hub to one session so it can serve as a render surface.
func (h *Hub) Session(sessionID string) *Session {
	return &Session{hub: h, id: sessionID}
}

func (h *Hub) Close() {
	h.cancel()
}

type Session struct {
	hub *Hub
	id  string
}

func (s *Session) SetGeoJSON(layer string, payload []byte) {
	s.hub.SetGeoJSON(s.id, layer, payload)
}

func (s *Session) Position(pos types.Position) {
	s.hub.NavigationPosition(s.id, pos)
}

// envelope tags mirrored frames with the publishing hub.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// subscribeRedis forwards frames published by other instances. ready is
// closed after the first attempt, successful or not; failed or dropped
// subscriptions are retried with exponential backoff until ctx is done.
func (h *Hub) subscribeRedis(ctx context.Context, ready chan<- struct{}) {
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }
	defer signal()

	backoff := h.minBackoff
	for {
		subscribed, err := h.listenRedis(ctx, signal)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			backoff = h.minBackoff
		}
		log.Printf("redis subscribe error: %v, retrying in %s", err, backoff)
		signal()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > h.maxBackoff {
			backoff = h.maxBackoff
		}
	}
}

func (h *Hub) listenRedis(ctx context.Context, ready func()) (bool, error) {
	pubsub := h.redis.PSubscribe(ctx, redisPattern)
	defer pubsub.Close()

	rctx, cancel := context.WithTimeout(ctx, h.subscribeTimeout)
	_, err := pubsub.Receive(rctx)
	cancel()
	if err != nil {
		return false, err
	}
	ready()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("subscription closed")
			}
			sessionID := sessionIDFromChannel(msg.Channel)
			if sessionID == "" {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Origin == h.id {
				continue
			}
			h.deliver(sessionID, env.Payload)
		}
	}
}

const redisPattern = "navtracker:*:render"

func redisChannel(sessionID string) string {
	return "navtracker:" + sessionID + ":render"
}

func sessionIDFromChannel(ch string) string {
	// navtracker:{session}:render
	const prefix = "navtracker:"
	const suffix = ":render"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
