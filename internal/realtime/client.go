// Package realtime is the client side of the realtime layer. One Client
// keeps a single WebSocket open for any number of logical subscriptions and
// restores all of them, under their original ids, after every reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/wire"
)

var ErrClosed = errors.New("realtime: client closed")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// TokenSource returns the bearer token sent in the auth frame. An empty
// token skips the auth frame.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	URL       string
	Token     TokenSource
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// EventBuffer is the per-subscription queue. Events arriving while it is
	// full are dropped.
	EventBuffer int
	WriteWait   time.Duration
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
}

// Client is safe for concurrent use. All connection and registry state is
// owned by one goroutine; the public methods send it commands.
type Client struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Int32

	cmds    chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	// owned by run
	subs    map[string]*Subscription
	conn    *websocket.Conn
	gen     int
	dialing bool
	timer   *time.Timer
	backoff Backoff
	closed  bool
}

func NewClient(cfg Config) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		cmds:    make(chan func()),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		subs:    make(map[string]*Subscription),
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
	}
	go c.run()
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// do runs fn on the owner goroutine and waits for it.
func (c *Client) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// post queues fn on the owner goroutine without waiting; used by the dial
// and read goroutines.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		var timerC <-chan time.Time
		if c.timer != nil {
			timerC = c.timer.C
		}
		select {
		case fn := <-c.cmds:
			fn()
			if c.closed {
				return
			}
		case <-timerC:
			c.timer = nil
			c.connect()
		}
	}
}

// Subscribe registers params and returns once the subscription is in the
// pending set. It is sent immediately when connected, otherwise on the next
// successful connection.
func (c *Client) Subscribe(ctx context.Context, params wire.SubscribeParams) (*Subscription, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:     "sub_" + uuid.NewString(),
		params: params,
		events: make(chan json.RawMessage, c.cfg.EventBuffer),
		client: c,
	}
	err := c.do(ctx, func() {
		c.subs[sub.id] = sub
		if c.conn != nil {
			c.write(wire.SubscribeFrame(sub.id, sub.params))
			return
		}
		if c.timer == nil {
			c.connect()
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) unsubscribe(id string) {
	_ = c.do(context.Background(), func() {
		sub, ok := c.subs[id]
		if !ok {
			return
		}
		delete(c.subs, id)
		close(sub.events)
		if c.conn != nil {
			c.write(wire.UnsubscribeFrame(id))
		}
		if len(c.subs) == 0 && c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	})
}

// Close shuts the connection down for good. Every subscription's channel is
// closed and no reconnect is attempted.
func (c *Client) Close() error {
	err := c.do(context.Background(), func() {
		c.closed = true
		c.cancel()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
			c.conn = nil
		}
		for id, sub := range c.subs {
			close(sub.events)
			delete(c.subs, id)
		}
		c.setState(Disconnected)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) connect() {
	if c.closed || c.dialing || c.conn != nil {
		return
	}
	c.dialing = true
	c.gen++
	c.setState(Connecting)
	go c.dial(c.gen)
}

func (c *Client) dial(gen int) {
	var token string
	var err error
	if c.cfg.Token != nil {
		token, err = c.cfg.Token(c.ctx)
	}
	var ws *websocket.Conn
	if err == nil {
		ws, _, err = c.cfg.Dialer.DialContext(c.ctx, c.cfg.URL, nil)
	}
	if !c.post(func() { c.opened(gen, ws, token, err) }) && ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) opened(gen int, ws *websocket.Conn, token string, err error) {
	c.dialing = false
	if c.closed || gen != c.gen {
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		c.setState(Disconnected)
		c.logger.Debug("realtime connect failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.conn = ws
	c.backoff.Reset()
	c.setState(Connected)
	c.logger.Debug("realtime connected", "subscriptions", len(c.subs))

	if token != "" {
		c.write(wire.AuthFrame(token))
	}
	for id, sub := range c.subs {
		c.write(wire.SubscribeFrame(id, sub.params))
	}
	go c.read(gen, ws)
}

func (c *Client) read(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.post(func() { c.dropped(gen, err) })
			return
		}
		if !c.post(func() { c.deliver(gen, data) }) {
			return
		}
	}
}

func (c *Client) dropped(gen int, err error) {
	if gen != c.gen || c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.setState(Disconnected)
	c.logger.Debug("realtime connection lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer unless the client was closed or
// nobody is subscribed.
func (c *Client) scheduleReconnect() {
	if c.closed || c.timer != nil || c.dialing || c.conn != nil {
		return
	}
	if len(c.subs) == 0 {
		return
	}
	d := c.backoff.Next()
	c.logger.Debug("realtime reconnect scheduled", "delay", d.String())
	c.timer = time.NewTimer(d)
}

func (c *Client) deliver(gen int, data []byte) {
	if gen != c.gen {
		return
	}
	var f wire.ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	switch f.Type {
	case wire.TypeEvent:
		sub, ok := c.subs[f.SubscriptionID]
		if !ok {
			return
		}
		select {
		case sub.events <- f.Payload:
		default:
			c.logger.Warn("realtime event dropped, subscriber too slow", "subscription_id", f.SubscriptionID)
		}
	case wire.TypeError:
		c.logger.Warn("realtime server error", "subscription_id", f.SubscriptionID, "error", f.Error)
	}
}

// write sends a frame on the current connection. A failed write closes the
// connection; the read goroutine then reports the drop and a reconnect is
// scheduled.
func (c *Client) write(f wire.ClientFrame) {
	if c.conn == nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("realtime write failed", "type", f.Type, "error", err)
		_ = c.conn.Close()
	}
}

// Subscription is one logical subscription. Its id never changes across
// reconnects.
type Subscription struct {
	id     string
	params wire.SubscribeParams
	events chan json.RawMessage
	client *Client
	once   sync.Once
}

func (s *Subscription) ID() string                     { return s.id }
func (s *Subscription) Params() wire.SubscribeParams   { return s.params }
func (s *Subscription) Events() <-chan json.RawMessage { return s.events }

// Unsubscribe removes the subscription and, when connected, tells the
// server before returning. The events channel is closed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.client.unsubscribe(s.id) })
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s(%s)", s.id, s.params.Topic("").Key())
}
