package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// TripStore persists trips and their status.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	// UpdateStatus moves the trip to status and returns the updated trip and
	// the status it had before. driverID is recorded when non-empty.
	UpdateStatus(ctx context.Context, id string, status models.TripStatus, driverID string) (models.Trip, models.TripStatus, error)
}

// Approvals answers which drivers may take intercity travel requests.
type Approvals interface {
	ApprovedTravelCaptains(ctx context.Context, driverIDs []string) ([]string, error)
}

func checkTransition(t models.Trip, status models.TripStatus, driverID string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if !t.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	if status == models.TripAccepted && driverID == "" && t.DriverID == "" {
		return fmt.Errorf("%w: accepting requires a driver", ErrInvalidTransition)
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip), now: time.Now}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return fmt.Errorf("storage: trip %s already exists", t.ID)
	}
	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status models.TripStatus, driverID string) (models.Trip, models.TripStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, "", ErrNotFound
	}
	if err := checkTransition(t, status, driverID); err != nil {
		return t, t.Status, err
	}
	prev := t.Status
	t.Status = status
	if driverID != "" {
		t.DriverID = driverID
	}
	t.UpdatedAt = m.now()
	m.trips[id] = t
	return t, prev, nil
}

// MemoryApprovals is an in-process approval list.
type MemoryApprovals struct {
	mu       sync.RWMutex
	captains map[string]bool
}

func NewMemoryApprovals(approved ...string) *MemoryApprovals {
	a := &MemoryApprovals{captains: make(map[string]bool)}
	for _, id := range approved {
		a.captains[id] = true
	}
	return a
}

func (a *MemoryApprovals) Approve(driverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captains[driverID] = true
}

func (a *MemoryApprovals) ApprovedTravelCaptains(_ context.Context, driverIDs []string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(driverIDs))
	for _, id := range driverIDs {
		if a.captains[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
