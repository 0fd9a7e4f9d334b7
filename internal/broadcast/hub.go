// Package broadcast is the server side of the realtime layer: a registry of
// WebSocket connections indexed by topic, and the fan-out that delivers
// events to every subscription bound to a topic.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/wire"
)

// Authenticator resolves an auth frame token to a user.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

type Config struct {
	// SendBuffer is the per-connection queue length. A full queue drops
	// events for that connection.
	SendBuffer   int
	PingInterval time.Duration
	WriteWait    time.Duration
	// AuthTimeout closes connections that neither authenticate nor
	// subscribe within the window.
	AuthTimeout time.Duration
	// MaxDeferred bounds subscriptions parked while waiting for auth.
	MaxDeferred int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		WriteWait:    10 * time.Second,
		AuthTimeout:  10 * time.Second,
		MaxDeferred:  32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.MaxDeferred <= 0 {
		c.MaxDeferred = d.MaxDeferred
	}
	return c
}

// binding is one subscription on one connection.
type binding struct {
	conn  *Conn
	subID string
}

// Hub holds open connections and the topic index. Publish cost is
// proportional to the subscribers of the topic, never to all connections.
type Hub struct {
	cfg    Config
	auth   Authenticator
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[binding]struct{}
	conns  map[*Conn]struct{}
	closed bool
}

func NewHub(cfg Config, authn Authenticator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		auth:   authn,
		logger: logger,
		topics: make(map[string]map[binding]struct{}),
		conns:  make(map[*Conn]struct{}),
	}
}

var ErrHubClosed = errors.New("broadcast: hub closed")

func (h *Hub) addConn(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.conns[c] = struct{}{}
	observability.WSConnections.Inc()
	return nil
}

// removeConn drops the connection and every binding it owns.
func (h *Hub) removeConn(c *Conn, topics map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	observability.WSConnections.Dec()
	for subID, key := range topics {
		h.unbindLocked(key, binding{conn: c, subID: subID})
	}
}

func (h *Hub) bind(key string, b binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[key]
	if !ok {
		set = make(map[binding]struct{})
		h.topics[key] = set
	}
	set[b] = struct{}{}
}

func (h *Hub) unbind(key string, b binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(key, b)
}

func (h *Hub) unbindLocked(key string, b binding) {
	set := h.topics[key]
	delete(set, b)
	if len(set) == 0 {
		delete(h.topics, key)
	}
}

// Publish queues payload to every subscription bound to topic and returns
// how many accepted it. Delivery is best effort: slow or closed connections
// miss the event.
func (h *Hub) Publish(topic wire.Topic, payload json.RawMessage) int {
	key := topic.Key()
	h.mu.RLock()
	set := h.topics[key]
	targets := make([]binding, 0, len(set))
	for b := range set {
		targets = append(targets, b)
	}
	h.mu.RUnlock()

	channel := string(topic.Channel)
	delivered := 0
	for _, b := range targets {
		data, err := json.Marshal(wire.EventFrame(b.subID, payload))
		if err != nil {
			h.logger.Error("encode event", "topic", key, "error", err)
			return delivered
		}
		if b.conn.enqueue(data) {
			delivered++
			observability.EventsDelivered.WithLabelValues(channel).Inc()
		} else {
			observability.EventsDropped.WithLabelValues(channel).Inc()
			h.logger.Debug("event dropped", "topic", key, "conn_id", b.conn.id, "subscription_id", b.subID)
		}
	}
	return delivered
}

// Subscribers reports how many subscriptions are bound to topic.
func (h *Hub) Subscribers(topic wire.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic.Key()])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Delivery summarises one NotifyDrivers fan-out.
type Delivery struct {
	Targets     int
	Delivered   int
	Unreachable []string
}

// NotifyDrivers sends payload on driver:trip-requests to each driver. A
// driver counts as delivered when at least one of its subscriptions
// accepted the event.
func (h *Hub) NotifyDrivers(ctx context.Context, driverIDs []string, payload json.RawMessage) (Delivery, error) {
	d := Delivery{Targets: len(driverIDs)}
	for i, id := range driverIDs {
		if err := ctx.Err(); err != nil {
			d.Unreachable = append(d.Unreachable, driverIDs[i:]...)
			return d, err
		}
		if h.Publish(wire.DriverTripRequests(id), payload) > 0 {
			d.Delivered++
		} else {
			d.Unreachable = append(d.Unreachable, id)
		}
	}
	return d, nil
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
