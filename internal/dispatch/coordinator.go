// Package dispatch runs the dispatch cycle for a newly requested trip: find
// nearby drivers, narrow them to the eligible ones, and fan one offer event
// out to all of them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/trip-dispatch/internal/broadcast"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/wire"
)

var (
	// ErrDispatchActive rejects a second dispatch for a trip whose earlier
	// cycle has not been resolved yet.
	ErrDispatchActive = errors.New("dispatch: cycle already active for trip")
	// ErrUndelivered means candidates were found but none could be reached.
	ErrUndelivered = errors.New("dispatch: offer reached no candidate")
	ErrNoApprovals = errors.New("dispatch: approval lookup not configured")
)

// Approvals narrows a candidate set to approved travel captains.
type Approvals interface {
	ApprovedTravelCaptains(ctx context.Context, driverIDs []string) ([]string, error)
}

// Notifier delivers one event to a set of drivers.
type Notifier interface {
	NotifyDrivers(ctx context.Context, driverIDs []string, payload json.RawMessage) (broadcast.Delivery, error)
}

type Config struct {
	UrbanRadiusKm      float64
	IntercityRadiusKm  float64
	QueryTimeout       time.Duration
	EligibilityTimeout time.Duration
	// OfferWindow is how long a claim blocks new dispatches for the trip if
	// nobody resolves it.
	OfferWindow   time.Duration
	MaxCandidates int
	// TravelScanLimit caps the first stage for travel requests, before the
	// approval filter runs.
	TravelScanLimit int
	SpeedMps        float64
}

func DefaultConfig() Config {
	return Config{
		UrbanRadiusKm:      10,
		IntercityRadiusKm:  50,
		QueryTimeout:       2 * time.Second,
		EligibilityTimeout: 2 * time.Second,
		OfferWindow:        2 * time.Minute,
		MaxCandidates:      50,
		TravelScanLimit:    200,
		SpeedMps:           8,
	}
}

type Request struct {
	TripID          string             `json:"trip_id"`
	Pickup          models.Coord       `json:"pickup"`
	VehicleType     models.VehicleType `json:"vehicle_type"`
	IsTravelRequest bool               `json:"is_travel_request"`
	CreatedAt       time.Time          `json:"created_at"`
	// Payload is sent to drivers as the "new" record of the offer event.
	// The request itself is sent when nil.
	Payload any `json:"-"`
}

type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	ETASeconds float64 `json:"eta_seconds"`
}

type Result struct {
	TripID         string      `json:"trip_id"`
	RadiusKm       float64     `json:"radius_km"`
	CandidateCount int         `json:"candidate_count"`
	Targets        []string    `json:"targets"`
	Candidates     []Candidate `json:"candidates,omitempty"`
	Delivered      int         `json:"delivered"`
	Unreachable    []string    `json:"unreachable,omitempty"`
	// Shared is set when this caller was merged into a concurrent call for
	// the same trip.
	Shared bool `json:"shared,omitempty"`
}

type Coordinator struct {
	cfg       Config
	index     geo.Index
	approvals Approvals
	notifier  Notifier
	guard     Guard
	logger    *slog.Logger
	flight    singleflight.Group
}

func NewCoordinator(cfg Config, index geo.Index, approvals Approvals, notifier Notifier, guard Guard, logger *slog.Logger) *Coordinator {
	d := DefaultConfig()
	if cfg.UrbanRadiusKm <= 0 {
		cfg.UrbanRadiusKm = d.UrbanRadiusKm
	}
	if cfg.IntercityRadiusKm <= 0 {
		cfg.IntercityRadiusKm = d.IntercityRadiusKm
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	if cfg.EligibilityTimeout <= 0 {
		cfg.EligibilityTimeout = d.EligibilityTimeout
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = d.OfferWindow
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = d.MaxCandidates
	}
	if cfg.TravelScanLimit <= 0 {
		cfg.TravelScanLimit = d.TravelScanLimit
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, index: index, approvals: approvals, notifier: notifier, guard: guard, logger: logger}
}

// Dispatch runs one cycle for req. Concurrent calls for the same trip share
// a single execution; a call arriving after that cycle while its claim is
// still held gets ErrDispatchActive.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.TripID == "" {
		return Result{}, errors.New("dispatch: empty trip id")
	}
	// Merged callers depend on this run, so it must not die with the first
	// caller's request. Stage timeouts still bound it.
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := c.flight.Do(req.TripID, func() (interface{}, error) {
		return c.run(runCtx, req)
	})
	res, _ := v.(Result)
	res.Shared = shared
	return res, err
}

// Resolve ends the trip's cycle once it has left the requested state.
func (c *Coordinator) Resolve(ctx context.Context, tripID string) error {
	if err := c.guard.Release(ctx, tripID); err != nil {
		return fmt.Errorf("dispatch: release %s: %w", tripID, err)
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{TripID: req.TripID, RadiusKm: c.radius(req)}
	log := c.logger.With("trip_id", req.TripID)

	outcome := "dispatched"
	defer func() {
		observability.DispatchCyclesTotal.WithLabelValues(outcome).Inc()
		observability.DispatchLatency.Observe(time.Since(start).Seconds())
	}()

	ok, err := c.guard.Acquire(ctx, req.TripID, c.cfg.OfferWindow)
	if err != nil {
		outcome = "guard_error"
		return res, fmt.Errorf("dispatch: claim trip: %w", err)
	}
	if !ok {
		outcome = "duplicate"
		return res, ErrDispatchActive
	}
	release := func() {
		if err := c.guard.Release(ctx, req.TripID); err != nil {
			log.Warn("dispatch claim release failed", "error", err)
		}
	}

	near, err := c.candidates(ctx, req, res.RadiusKm)
	if err != nil {
		outcome = "lookup_failed"
		release()
		log.Error("dispatch lookup failed", "error", err, "travel", req.IsTravelRequest)
		return res, err
	}
	observability.DispatchCandidates.Observe(float64(len(near)))
	if len(near) == 0 {
		outcome = "no_candidates"
		release()
		log.Info("dispatch found no candidates", "radius_km", res.RadiusKm)
		return res, nil
	}

	res.Targets = geo.DriverIDs(near)
	res.CandidateCount = len(res.Targets)
	for _, n := range near {
		res.Candidates = append(res.Candidates, Candidate{
			DriverID:   n.DriverID,
			DistanceKm: n.DistanceKm,
			ETASeconds: geo.ETASeconds(n.DistanceKm, c.cfg.SpeedMps),
		})
	}

	var row any = req
	if req.Payload != nil {
		row = req.Payload
	}
	payload, err := wire.Envelope(wire.EventInsert, row, nil)
	if err != nil {
		outcome = "encode_failed"
		release()
		return res, fmt.Errorf("dispatch: %w", err)
	}

	delivery, err := c.notifier.NotifyDrivers(ctx, res.Targets, payload)
	res.Delivered = delivery.Delivered
	res.Unreachable = delivery.Unreachable
	if delivery.Delivered == 0 {
		outcome = "undelivered"
		release()
		log.Warn("dispatch offer reached nobody", "targets", res.CandidateCount, "error", err)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrUndelivered, err)
		}
		return res, ErrUndelivered
	}
	if delivery.Delivered < res.CandidateCount {
		outcome = "partial"
	}
	log.Info("dispatch fan-out", "targets", res.CandidateCount, "delivered", res.Delivered, "radius_km", res.RadiusKm)
	return res, nil
}

func (c *Coordinator) radius(req Request) float64 {
	if req.IsTravelRequest {
		return c.cfg.IntercityRadiusKm
	}
	return c.cfg.UrbanRadiusKm
}

// candidates runs the proximity query and, for travel requests, the
// approval filter over its result. Either failing fails the cycle; a
// partial set is never returned.
func (c *Coordinator) candidates(ctx context.Context, req Request, radiusKm float64) ([]geo.Nearby, error) {
	q := geo.Query{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng, RadiusKm: radiusKm, Limit: c.cfg.MaxCandidates}
	if req.IsTravelRequest {
		q.Limit = c.cfg.TravelScanLimit
	} else {
		q.VehicleType = req.VehicleType
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	near, err := c.index.Nearby(qctx, q)
	cancel()
	if err != nil {
		observability.GeoQueryFailures.Inc()
		return nil, fmt.Errorf("dispatch: proximity query: %w", err)
	}
	if !req.IsTravelRequest || len(near) == 0 {
		return near, nil
	}

	if c.approvals == nil {
		return nil, ErrNoApprovals
	}
	ectx, cancel := context.WithTimeout(ctx, c.cfg.EligibilityTimeout)
	approved, err := c.approvals.ApprovedTravelCaptains(ectx, geo.DriverIDs(near))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dispatch: eligibility lookup: %w", err)
	}
	ok := make(map[string]struct{}, len(approved))
	for _, id := range approved {
		ok[id] = struct{}{}
	}
	out := near[:0]
	for _, n := range near {
		if _, yes := ok[n.DriverID]; yes {
			out = append(out, n)
		}
	}
	if len(out) > c.cfg.MaxCandidates {
		out = out[:c.cfg.MaxCandidates]
	}
	return out, nil
}
