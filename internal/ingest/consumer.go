package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Consumer applies heartbeats from Kafka to the geo index.
type Consumer struct {
	reader MessageReader
	index  geo.Index
	logger *slog.Logger

	Attempts   int
	RetryDelay time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewConsumer(reader MessageReader, index geo.Index, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     reader,
		index:      index,
		logger:     logger,
		Attempts:   3,
		RetryDelay: 200 * time.Millisecond,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Run reads until ctx is cancelled. Read errors back off exponentially;
// bad messages and failed updates are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.MinBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		backoff = c.MinBackoff

		if err := c.Handle(ctx, m); err != nil {
			c.logger.Warn("heartbeat dropped", "error", err, "offset", m.Offset, "partition", m.Partition)
		}
	}
}

// Handle decodes and applies one message.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	var hb models.DriverHeartbeat
	if err := json.Unmarshal(m.Value, &hb); err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return fmt.Errorf("ingest: decode: %w", err)
	}
	loc := Location(hb)
	if !m.Time.IsZero() {
		loc.UpdatedAt = m.Time
	}
	if err := ApplyWithRetry(ctx, c.index, loc, c.Attempts, c.RetryDelay); err != nil {
		if errors.Is(err, geo.ErrInvalidQuery) {
			observability.LocationUpdates.WithLabelValues("invalid").Inc()
		} else {
			observability.LocationUpdates.WithLabelValues("error").Inc()
		}
		return err
	}
	observability.LocationUpdates.WithLabelValues("ok").Inc()
	return nil
}

// Location converts a heartbeat to an index entry stamped by the index.
func Location(hb models.DriverHeartbeat) geo.Location {
	return geo.Location{
		DriverID:    hb.DriverID,
		Lat:         hb.Lat,
		Lng:         hb.Lng,
		Online:      hb.Online,
		VehicleType: hb.VehicleType,
	}
}

// ApplyWithRetry upserts loc, retrying transient failures with a doubling
// delay. Invalid locations are not retried.
func ApplyWithRetry(ctx context.Context, idx geo.Index, loc geo.Location, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, loc); err == nil {
			return nil
		}
		if errors.Is(err, geo.ErrInvalidQuery) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
