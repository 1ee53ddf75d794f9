// Package notify delivers booking notification events to external brokers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"go.uber.org/zap"
)

// Sink delivers one event. Send may be retried, so it must tolerate duplicates.
type Sink interface {
	Send(ctx context.Context, event *domain.Event) error
	// Destination names the topic or exchange the sink writes to
	Destination() string
	Close() error
}

// Encode returns the wire form shared by every sink
func Encode(event *domain.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}

// LogSink writes events to the log, for local runs without a broker
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink; nil uses the global logger
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Get()
	}
	return &LogSink{log: log}
}

// Send logs the event
func (s *LogSink) Send(ctx context.Context, event *domain.Event) error {
	s.log.Info("Notification event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("resource_id", event.ResourceID),
		zap.String("booking_id", event.BookingID),
		zap.String("queue_entry_id", event.QueueEntryID),
		zap.String("requester_id", event.RequesterID),
		zap.Int("quantity", event.Quantity),
		zap.String("reason", event.Reason),
	)
	return nil
}

// Destination implements Sink
func (s *LogSink) Destination() string { return "log" }

// Close implements Sink
func (s *LogSink) Close() error { return nil }

var _ Sink = (*LogSink)(nil)
