package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
)

// JSONProducer is the part of kafka.Producer the sink uses
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error
}

// KafkaSink publishes events to one topic, keyed by resource
type KafkaSink struct {
	producer JSONProducer
	topic    string
	closer   func()
}

// NewKafkaSink creates a KafkaSink. closer, if set, runs on Close.
func NewKafkaSink(producer JSONProducer, topic string, closer func()) *KafkaSink {
	if topic == "" {
		topic = "booking.events"
	}
	return &KafkaSink{producer: producer, topic: topic, closer: closer}
}

// Send produces the event and waits for the broker ack
func (s *KafkaSink) Send(ctx context.Context, event *domain.Event) error {
	headers := map[string]string{
		"event_type":   string(event.Type),
		"event_id":     event.ID,
		"content_type": "application/json",
		"occurred_at":  event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.producer.ProduceJSON(ctx, s.topic, event.Key(), event, headers); err != nil {
		return fmt.Errorf("failed to produce %s: %w", event.Type, err)
	}
	return nil
}

// Destination implements Sink
func (s *KafkaSink) Destination() string { return s.topic }

// Close implements Sink
func (s *KafkaSink) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

var _ Sink = (*KafkaSink)(nil)
