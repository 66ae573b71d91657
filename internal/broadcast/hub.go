// v0
// internal/broadcast/hub.go
package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nrgchamp/floorctl/internal/metrics"
)

// Event names published by the controller.
const (
	EventDeviceUpdate  = "device_update"
	EventStatsUpdate   = "stats_update"
	EventGridMonitor   = "grid_monitor_update"
	EventSystemLog     = "system_log_new"
	EventSettingsSaved = "settings_update"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"ts"`
}

// Sink receives a copy of every event. Deliver must not block.
type Sink interface {
	Deliver(Event)
}

const hubBuffer = 256

// Hub fans events out to WebSocket clients and registered sinks. Run owns
// the client set; other goroutines talk to it through channels.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	sinksMu sync.RWMutex
	sinks   []Sink

	clients atomic.Int64
}

// NewHub returns a hub; call Run to start delivery.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		log:        logger.With(slog.String("component", "broadcast")),
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, hubBuffer),
		done:       make(chan struct{}),
	}
}

// AddSink attaches s to every future event.
func (h *Hub) AddSink(s Sink) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Clients reports the number of attached WebSocket clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Publish encodes the event and queues it for delivery. It never blocks:
// when the hub is saturated the event is dropped for WebSocket clients.
func (h *Hub) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}

	h.sinksMu.RLock()
	for _, s := range h.sinks {
		s.Deliver(ev)
	}
	h.sinksMu.RUnlock()

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("broadcast_encode_failed", slog.String("event", name), slog.Any("err", err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast_dropped", slog.String("event", name))
	}
}

// Run delivers events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
		h.metrics.SetWSClients(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.track(len(clients))
			h.log.Info("ws_client_registered", slog.String("remote", c.remote))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.track(len(clients))
				h.log.Info("ws_client_unregistered", slog.String("remote", c.remote))
			}
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					delete(clients, c)
					close(c.send)
					h.log.Warn("ws_client_evicted", slog.String("remote", c.remote))
				}
			}
			h.track(len(clients))
		}
	}
}

func (h *Hub) track(n int) {
	h.clients.Store(int64(n))
	h.metrics.SetWSClients(n)
}

func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
