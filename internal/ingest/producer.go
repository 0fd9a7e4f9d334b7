package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
)

const DefaultTopic = "driver-locations"

// Producer publishes driver heartbeats, keyed by driver id so one driver's
// reports stay ordered within a partition.
type Producer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewProducer(brokers []string, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: w, timeout: 2 * time.Second}
}

func (p *Producer) PublishHeartbeat(ctx context.Context, hb models.DriverHeartbeat) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("ingest: encode heartbeat: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b}); err != nil {
		return fmt.Errorf("ingest: publish heartbeat: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
