package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

//go:embed schema.sql
var schema string

const tripColumns = `id, rider_id, COALESCE(driver_id, '') AS driver_id, pickup_lat, pickup_lng,
	dest_lat, dest_lng, vehicle_type, is_travel_request, status, created_at, updated_at`

// PostgresStore implements TripStore and Approvals.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = p.now()
	}
	t.UpdatedAt = t.CreatedAt
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO trips
		(id, rider_id, driver_id, pickup_lat, pickup_lng, dest_lat, dest_lng, vehicle_type, is_travel_request, status, created_at, updated_at)
		VALUES (:id, :rider_id, NULLIF(:driver_id, ''), :pickup_lat, :pickup_lng, :dest_lat, :dest_lng, :vehicle_type, :is_travel_request, :status, :created_at, :updated_at)`, t)
	if err != nil {
		return fmt.Errorf("storage: insert trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var t models.Trip
	err := p.db.GetContext(ctx, &t, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("storage: get trip: %w", err)
	}
	return t, nil
}

// UpdateStatus locks the row so concurrent transitions of one trip apply in
// order and each sees the status the previous one left.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.TripStatus, driverID string) (models.Trip, models.TripStatus, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Trip{}, "", fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t models.Trip
	err = tx.GetContext(ctx, &t, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, "", ErrNotFound
	}
	if err != nil {
		return models.Trip{}, "", fmt.Errorf("storage: load trip: %w", err)
	}
	if err := checkTransition(t, status, driverID); err != nil {
		return t, t.Status, err
	}

	prev := t.Status
	t.Status = status
	if driverID != "" {
		t.DriverID = driverID
	}
	t.UpdatedAt = p.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE trips SET status = $1, driver_id = NULLIF($2, ''), updated_at = $3 WHERE id = $4`,
		string(t.Status), t.DriverID, t.UpdatedAt, id); err != nil {
		return models.Trip{}, "", fmt.Errorf("storage: update trip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Trip{}, "", fmt.Errorf("storage: commit: %w", err)
	}
	return t, prev, nil
}

func (p *PostgresStore) ApprovedTravelCaptains(ctx context.Context, driverIDs []string) ([]string, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `SELECT id FROM drivers
		WHERE id = ANY($1) AND is_travel_captain AND travel_captain_status = 'approved'`, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("storage: approved travel captains: %w", err)
	}
	return ids, nil
}
