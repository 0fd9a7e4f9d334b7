package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/wire"
)

const maxBodyBytes = 1 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Resolve(ctx context.Context, tripID string) error
}

// Publisher fans an event out to one realtime topic.
type Publisher interface {
	Publish(topic wire.Topic, payload json.RawMessage) int
}

type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, hb models.DriverHeartbeat) error
}

// Check reports whether one dependency is ready to serve.
type Check func(ctx context.Context) error

type Deps struct {
	Store      storage.TripStore
	Index      geo.Index
	Dispatcher Dispatcher
	Publisher  Publisher
	// WS serves the realtime endpoint; nil leaves /ws unrouted.
	WS http.Handler
	// Heartbeats, when set, receives location reports instead of the index.
	Heartbeats HeartbeatPublisher
	// Auth, when set, guards the /api/v1 routes with a bearer token.
	Auth   *auth.Verifier
	Ready  map[string]Check
	Logger *slog.Logger
	Now    func() time.Time
}

type Server struct {
	store      storage.TripStore
	index      geo.Index
	dispatcher Dispatcher
	publisher  Publisher
	heartbeats HeartbeatPublisher
	auth       *auth.Verifier
	ready      map[string]Check
	logger     *slog.Logger
	now        func() time.Time
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		store:      d.Store,
		index:      d.Index,
		dispatcher: d.Dispatcher,
		publisher:  d.Publisher,
		heartbeats: d.Heartbeats,
		auth:       d.Auth,
		ready:      d.Ready,
		logger:     d.Logger,
		now:        d.Now,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes(d.WS)
	return s
}

func (s *Server) routes(ws http.Handler) {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if ws != nil {
		s.mux.Handle("/ws", ws)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		api.Use(s.authMiddleware)
	}
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/status", s.handleUpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/offers", s.handleOffer).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/messages", s.handleTripMessage).Methods(http.MethodPost)
	api.HandleFunc("/support/{ticketId}/messages", s.handleSupportMessage).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleDriverOffline).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripResponse struct {
	Trip          models.Trip      `json:"trip"`
	Dispatch      *dispatch.Result `json:"dispatch,omitempty"`
	DispatchError string           `json:"dispatch_error,omitempty"`
}

// handleCreateTrip persists the trip and runs its dispatch cycle. The trip is
// created even when dispatch fails; the caller learns why from
// dispatch_error.
func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if !s.decode(w, r, &req) {
		return
	}
	if id := identityFromContext(r.Context()); id.UserID != "" {
		req.RiderID = id.UserID
	}
	if err := validateTripRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now().UTC()
	trip := models.Trip{
		ID:              uuid.NewString(),
		RiderID:         req.RiderID,
		PickupLat:       req.Pickup.Lat,
		PickupLng:       req.Pickup.Lng,
		DestLat:         req.Destination.Lat,
		DestLng:         req.Destination.Lng,
		VehicleType:     req.VehicleType,
		IsTravelRequest: req.IsTravelRequest,
		Status:          models.TripRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTrip(r.Context(), &trip); err != nil {
		s.logger.Error("create trip failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create trip")
		return
	}

	resp := createTripResponse{Trip: trip}
	if s.dispatcher != nil {
		res, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
			TripID:          trip.ID,
			Pickup:          trip.Pickup(),
			VehicleType:     trip.VehicleType,
			IsTravelRequest: trip.IsTravelRequest,
			CreatedAt:       trip.CreatedAt,
			Payload:         trip,
		})
		resp.Dispatch = &res
		if err != nil {
			resp.DispatchError = err.Error()
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func validateTripRequest(req models.TripRequest) error {
	var errs []error
	if req.RiderID == "" {
		errs = append(errs, errors.New("rider_id is required"))
	}
	if !validCoord(req.Pickup) {
		errs = append(errs, errors.New("pickup is out of range"))
	}
	if req.Destination != (models.Coord{}) && !validCoord(req.Destination) {
		errs = append(errs, errors.New("destination is out of range"))
	}
	if !req.IsTravelRequest && !req.VehicleType.Valid() {
		errs = append(errs, fmt.Errorf("unknown vehicle_type %q", req.VehicleType))
	}
	return errors.Join(errs...)
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": trip})
}

type statusRequest struct {
	Status   models.TripStatus `json:"status"`
	DriverID string            `json:"driver_id"`
}

// handleUpdateStatus applies a lifecycle change and publishes it on the
// trip's status topic. Leaving requested ends the dispatch cycle.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	tripID := mux.Vars(r)["id"]
	trip, prev, err := s.store.UpdateStatus(r.Context(), tripID, req.Status, req.DriverID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	log := s.logger.With("trip_id", tripID)

	if payload, err := wire.Envelope(wire.EventUpdate, trip, map[string]any{"status": prev}); err == nil {
		s.publish(wire.TripStatus(tripID), payload)
	}
	if prev == models.TripRequested && s.dispatcher != nil {
		if err := s.dispatcher.Resolve(r.Context(), tripID); err != nil {
			log.Warn("dispatch resolve failed", "error", err)
		}
	}
	if trip.Status == models.TripAccepted && trip.DriverID != "" {
		update := map[string]any{"trip_id": tripID, "driver_id": trip.DriverID, "status": "accepted"}
		if payload, err := wire.Envelope(wire.EventUpdate, update, nil); err == nil {
			s.publish(wire.DriverOfferUpdates(trip.DriverID), payload)
		}
	}
	log.Info("trip status updated", "from", prev, "to", trip.Status, "driver_id", trip.DriverID)
	writeJSON(w, http.StatusOK, map[string]any{"trip": trip})
}

// Offer is a driver's bid on a trip.
type Offer struct {
	ID         string    `json:"id"`
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Amount     float64   `json:"amount"`
	ETASeconds float64   `json:"eta_seconds,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var o Offer
	if !s.decode(w, r, &o) {
		return
	}
	if id := identityFromContext(r.Context()); id.UserID != "" {
		o.DriverID = id.UserID
	}
	if o.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if o.Amount < 0 {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}
	trip, err := s.store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	if trip.Status != models.TripRequested {
		writeError(w, http.StatusConflict, "trip is no longer open for offers")
		return
	}
	o.ID = uuid.NewString()
	o.TripID = trip.ID
	o.CreatedAt = s.now().UTC()
	s.insert(w, wire.TripOffers(trip.ID), "offer", o)
}

// Message is a chat line on a trip or a support ticket.
type Message struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id,omitempty"`
	TicketID  string    `json:"ticket_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (Message, bool) {
	var m Message
	if !s.decode(w, r, &m) {
		return m, false
	}
	if id := identityFromContext(r.Context()); id.UserID != "" {
		m.SenderID = id.UserID
	}
	m.Body = strings.TrimSpace(m.Body)
	if m.SenderID == "" || m.Body == "" {
		writeError(w, http.StatusBadRequest, "sender_id and body are required")
		return m, false
	}
	m.ID = uuid.NewString()
	m.CreatedAt = s.now().UTC()
	return m, true
}

func (s *Server) handleTripMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTrip(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.storeError(w, err)
		return
	}
	m.TripID = mux.Vars(r)["id"]
	m.TicketID = ""
	s.insert(w, wire.TripMessages(m.TripID), "message", m)
}

func (s *Server) handleSupportMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	m.TicketID = mux.Vars(r)["ticketId"]
	m.TripID = ""
	s.insert(w, wire.SupportMessages(m.TicketID), "message", m)
}

// insert publishes row as an INSERT event and answers 202 with the row and
// how many subscriptions received it.
func (s *Server) insert(w http.ResponseWriter, topic wire.Topic, name string, row any) {
	payload, err := wire.Envelope(wire.EventInsert, row, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode event")
		return
	}
	delivered := s.publish(topic, payload)
	writeJSON(w, http.StatusAccepted, map[string]any{name: row, "delivered": delivered})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var hb models.DriverHeartbeat
	if !s.decode(w, r, &hb) {
		return
	}
	hb.DriverID = mux.Vars(r)["id"]
	hb.Online = true
	if hb.SentAt.IsZero() {
		hb.SentAt = s.now().UTC()
	}
	if !validCoord(models.Coord{Lat: hb.Lat, Lng: hb.Lng}) {
		writeError(w, http.StatusBadRequest, "location is out of range")
		return
	}

	var err error
	if s.heartbeats != nil {
		err = s.heartbeats.PublishHeartbeat(r.Context(), hb)
	} else {
		loc := ingest.Location(hb)
		loc.UpdatedAt = s.now()
		err = s.index.Upsert(r.Context(), loc)
	}
	if err != nil {
		if errors.Is(err, geo.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("location update failed", "driver_id", hb.DriverID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location update failed")
		return
	}

	if hb.TripID != "" {
		row := map[string]any{
			"driver_id": hb.DriverID,
			"trip_id":   hb.TripID,
			"lat":       hb.Lat,
			"lng":       hb.Lng,
			"sent_at":   hb.SentAt,
		}
		if payload, err := wire.Envelope(wire.EventUpdate, row, nil); err == nil {
			s.publish(wire.DriverLocation(hb.TripID, hb.DriverID), payload)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.index.MarkOffline(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.logger.Warn("mark offline failed", "driver_id", mux.Vars(r)["id"], "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not mark driver offline")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) publish(topic wire.Topic, payload json.RawMessage) int {
	if s.publisher == nil {
		return 0
	}
	return s.publisher.Publish(topic, payload)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "trip not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("trip store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
