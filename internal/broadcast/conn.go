package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/wire"
)

const maxFrameBytes = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one client connection. Everything below the send queue is owned by
// the read goroutine, which is the only place frames are handled.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// active is set once the client authenticates or subscribes; the auth
	// timer reads it from another goroutine.
	active atomic.Bool

	userID     string
	authFailed bool
	subs       map[string]string // subscription id -> topic key
	deferred   map[string]wire.SubscribeParams
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]string),
		deferred: make(map[string]wire.SubscribeParams),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	c := newConn(h, ws)
	if err := h.addConn(c); err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	h.logger.Debug("ws connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if !c.active.Load() {
			h.logger.Debug("ws idle without auth, closing", "conn_id", c.id)
			c.close()
		}
	})
	defer timer.Stop()

	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.removeConn(c, c.subs)
		c.close()
		c.hub.logger.Debug("ws disconnected", "conn_id", c.id, "user_id", c.userID)
	}()
	pongWait := 2 * c.hub.cfg.PingInterval
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.hub.cfg.WriteWait))
			return
		}
	}
}

// enqueue never blocks; false means the event was dropped.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(f wire.ServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) authenticated() bool { return c.userID != "" }

// handleFrame applies one client frame. Undecodable frames are ignored so a
// single bad message cannot take the connection down.
func (c *Conn) handleFrame(data []byte) {
	f, err := wire.DecodeClient(data)
	if err != nil {
		c.hub.logger.Debug("ws frame dropped", "conn_id", c.id, "error", err)
		return
	}
	switch f.Type {
	case wire.TypeAuth:
		c.handleAuth(f.Token)
	case wire.TypeSubscribe:
		c.handleSubscribe(f.SubscriptionID, f.SubscribeParams)
	case wire.TypeUnsubscribe:
		c.handleUnsubscribe(f.SubscriptionID)
	}
}

func (c *Conn) handleAuth(token string) {
	if c.hub.auth == nil {
		c.reply(wire.ErrorFrame("", "authentication unavailable"))
		c.rejectDeferred("authentication failed")
		return
	}
	id, err := c.hub.auth.Verify(token)
	if err != nil {
		c.hub.logger.Debug("ws auth rejected", "conn_id", c.id, "error", err)
		c.reply(wire.ErrorFrame("", "invalid token"))
		if !c.authenticated() {
			c.authFailed = true
			c.rejectDeferred("authentication failed")
		}
		return
	}
	if c.authenticated() && id.UserID != c.userID {
		c.reply(wire.ErrorFrame("", "connection already authenticated as another user"))
		return
	}
	c.userID = id.UserID
	c.authFailed = false
	c.active.Store(true)
	c.reply(wire.ServerFrame{Type: wire.TypeAuthOK, UserID: id.UserID})

	deferred := c.deferred
	c.deferred = make(map[string]wire.SubscribeParams)
	for subID, p := range deferred {
		c.bindSubscription(subID, p)
	}
}

func (c *Conn) rejectDeferred(msg string) {
	for subID := range c.deferred {
		c.reply(wire.ErrorFrame(subID, msg))
	}
	c.deferred = make(map[string]wire.SubscribeParams)
}

func (c *Conn) handleSubscribe(subID string, p wire.SubscribeParams) {
	if subID == "" {
		c.reply(wire.ErrorFrame("", "missing subscriptionId"))
		return
	}
	if err := p.Validate(); err != nil {
		c.reply(wire.ErrorFrame(subID, err.Error()))
		return
	}
	c.active.Store(true)
	if c.authenticated() || p.Channel.Public() {
		c.bindSubscription(subID, p)
		return
	}
	if c.authFailed {
		c.reply(wire.ErrorFrame(subID, "authentication required"))
		return
	}
	if _, ok := c.deferred[subID]; !ok && len(c.deferred) >= c.hub.cfg.MaxDeferred {
		c.reply(wire.ErrorFrame(subID, "too many pending subscriptions"))
		return
	}
	c.deferred[subID] = p
}

// bindSubscription registers subID on the hub. Reusing an id replaces the
// earlier binding rather than adding a second one.
func (c *Conn) bindSubscription(subID string, p wire.SubscribeParams) {
	key := p.Topic(c.userID).Key()
	b := binding{conn: c, subID: subID}
	if prev, ok := c.subs[subID]; ok && prev != key {
		c.hub.unbind(prev, b)
	}
	c.subs[subID] = key
	c.hub.bind(key, b)
	c.reply(wire.ServerFrame{Type: wire.TypeSubscribed, SubscriptionID: subID})
}

func (c *Conn) handleUnsubscribe(subID string) {
	delete(c.deferred, subID)
	key, ok := c.subs[subID]
	if !ok {
		return
	}
	delete(c.subs, subID)
	c.hub.unbind(key, binding{conn: c, subID: subID})
}
