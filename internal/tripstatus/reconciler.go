// Package tripstatus follows one trip's status on the rider side. Push events
// are the primary signal and a fixed-interval poll backs them up; whichever
// reports a new status first wins and the other is ignored.
package tripstatus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/wire"
)

const DefaultPollInterval = 5 * time.Second

// Snapshot is the part of a trip record the reconciler reads.
type Snapshot struct {
	Status          models.TripStatus `json:"status"`
	IsTravelRequest bool              `json:"is_travel_request"`
}

type Fetcher interface {
	FetchTrip(ctx context.Context, tripID string) (Snapshot, error)
}

// Stream is one live push subscription.
type Stream interface {
	Events() <-chan json.RawMessage
	Unsubscribe()
}

type Subscriber interface {
	Subscribe(ctx context.Context, params wire.SubscribeParams) (Stream, error)
}

type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

type Transition struct {
	TripID        string
	From          models.TripStatus
	To            models.TripStatus
	Source        Source
	TravelRequest bool
}

// Effect is what the rider app does in response to a transition.
type Effect string

const (
	EffectNone     Effect = ""
	EffectTracking Effect = "navigate:tracking"
	EffectRating   Effect = "navigate:rating"
	EffectAlert    Effect = "alert"
)

// Effect maps the transition to its side effect. Travel requests are booked
// ahead of time and never navigate; the rider is only alerted.
func (t Transition) Effect() Effect {
	if t.To == models.TripRequested || t.To == "" {
		return EffectNone
	}
	if t.TravelRequest {
		return EffectAlert
	}
	switch t.To {
	case models.TripAccepted, models.TripArrived, models.TripStarted:
		return EffectTracking
	case models.TripCompleted:
		return EffectRating
	}
	return EffectAlert
}

// Handler receives each genuine transition on the reconciler's goroutine.
// It must not call StartMonitoring or StopMonitoring synchronously.
type Handler func(Transition)

type Config struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Reconciler monitors at most one trip at a time.
type Reconciler struct {
	fetcher    Fetcher
	subscriber Subscriber
	handler    Handler
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	active *session
}

type session struct {
	tripID string
	cancel context.CancelFunc
	done   chan struct{}
	stream Stream
	once   sync.Once
}

func (s *session) unsubscribe() {
	s.once.Do(func() {
		if s.stream != nil {
			s.stream.Unsubscribe()
		}
	})
}

func New(fetcher Fetcher, subscriber Subscriber, handler Handler, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if handler == nil {
		handler = func(Transition) {}
	}
	return &Reconciler{
		fetcher:    fetcher,
		subscriber: subscriber,
		handler:    handler,
		interval:   cfg.PollInterval,
		timeout:    cfg.FetchTimeout,
		logger:     cfg.Logger,
	}
}

// StartMonitoring begins following tripID. Monitoring the same trip again is
// a no-op; a different trip replaces the current one.
func (r *Reconciler) StartMonitoring(tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		if r.active.tripID == tripID {
			return
		}
		r.stopLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{tripID: tripID, cancel: cancel, done: make(chan struct{})}
	if r.subscriber != nil {
		stream, err := r.subscriber.Subscribe(ctx, wire.SubscribeParams{Channel: wire.ChannelTripStatus, TripID: tripID})
		if err != nil {
			r.logger.Warn("trip status push unavailable, polling only", "trip_id", tripID, "error", err)
		} else {
			s.stream = stream
		}
	}
	r.active = s
	r.logger.Info("trip monitoring started", "trip_id", tripID)
	go r.run(ctx, s)
}

// StopMonitoring stops polling and unsubscribes before returning.
func (r *Reconciler) StopMonitoring() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reconciler) stopLocked() {
	s := r.active
	if s == nil {
		return
	}
	r.active = nil
	s.cancel()
	<-s.done
	r.logger.Info("trip monitoring stopped", "trip_id", s.tripID)
}

func (r *Reconciler) IsMonitoring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Reconciler) CurrentTripID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.tripID
}

// finished drops s once it ended on its own after a terminal status.
func (r *Reconciler) finished(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
	}
}

func (r *Reconciler) run(ctx context.Context, s *session) {
	terminal := r.follow(ctx, s)
	s.unsubscribe()
	close(s.done)
	// done is closed first: a concurrent StopMonitoring holds mu while it
	// waits for it.
	if terminal {
		r.finished(s)
	}
}

// follow polls and consumes push events until the trip reaches a terminal
// status (true) or ctx is cancelled (false).
func (r *Reconciler) follow(ctx context.Context, s *session) bool {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var (
		last        models.TripStatus
		travel      bool
		travelKnown bool
	)
	var events <-chan json.RawMessage
	if s.stream != nil {
		events = s.stream.Events()
	}

	// observe applies one reported status and reports whether the trip has
	// reached a terminal state.
	observe := func(status models.TripStatus, src Source) bool {
		if status == "" || status == last {
			return false
		}
		if last.Rank() >= 0 && status.Rank() >= 0 && status.Rank() < last.Rank() {
			r.logger.Debug("stale trip status ignored", "trip_id", s.tripID, "status", status, "last", last, "source", src)
			return false
		}
		if !travelKnown {
			if snap, err := r.fetch(ctx, s.tripID); err == nil {
				travel, travelKnown = snap.IsTravelRequest, true
			}
		}
		t := Transition{TripID: s.tripID, From: last, To: status, Source: src, TravelRequest: travel}
		last = status
		r.logger.Info("trip status changed", "trip_id", s.tripID, "from", t.From, "to", t.To, "source", src)
		r.handler(t)
		return status.Terminal()
	}

	poll := func() bool {
		snap, err := r.fetch(ctx, s.tripID)
		if err != nil {
			r.logger.Debug("trip status poll failed", "trip_id", s.tripID, "error", err)
			return false
		}
		travel, travelKnown = snap.IsTravelRequest, true
		return observe(snap.Status, SourcePoll)
	}

	if poll() {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if poll() {
				return true
			}
		case payload, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if observe(statusFromPush(payload), SourcePush) {
				return true
			}
		}
	}
}

func (r *Reconciler) fetch(ctx context.Context, tripID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.fetcher.FetchTrip(ctx, tripID)
}

// statusFromPush reads the status from a change envelope ({"new":{...}})
// or a bare trip record. Anything else yields "".
func statusFromPush(payload json.RawMessage) models.TripStatus {
	var p struct {
		New *struct {
			Status models.TripStatus `json:"status"`
		} `json:"new"`
		Status models.TripStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	if p.New != nil && p.New.Status != "" {
		return p.New.Status
	}
	return p.Status
}
