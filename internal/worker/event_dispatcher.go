package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/metrics"
	"github.com/prohmpiriya/booking-core/internal/notify"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/retry"
)

// EventDispatcherConfig holds configuration for the event dispatcher
type EventDispatcherConfig struct {
	// Retry bounds delivery attempts before an event is parked in the DLQ
	Retry *retry.Config
	// DrainTimeout bounds delivery of buffered events after the source closes (default: 10 seconds)
	DrainTimeout time.Duration
}

// DefaultEventDispatcherConfig returns default configuration
func DefaultEventDispatcherConfig() *EventDispatcherConfig {
	return &EventDispatcherConfig{
		Retry: &retry.Config{
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
		DrainTimeout: 10 * time.Second,
	}
}

// EventDispatcher moves published events into a sink
type EventDispatcher struct {
	config *EventDispatcherConfig
	sink   notify.Sink
	dlq    *retry.DLQHandler
	log    *logger.Logger

	mu         sync.Mutex
	delivered  int64
	deadLetter int64
}

// NewEventDispatcher creates a dispatcher; a nil dlq discards exhausted events
func NewEventDispatcher(cfg *EventDispatcherConfig, sink notify.Sink, dlq retry.DLQPublisher, log *logger.Logger) *EventDispatcher {
	if cfg == nil {
		cfg = DefaultEventDispatcherConfig()
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultEventDispatcherConfig().Retry
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}

	d := &EventDispatcher{config: cfg, sink: sink, log: log}
	d.dlq = retry.NewDLQHandler(dlq, cfg.Retry, func(msg *retry.DLQMessage) {
		log.Warn(fmt.Sprintf("Moving event %s to DLQ after %d attempts: %s", msg.ID, msg.Attempts, msg.Error))
	})
	return d
}

// Run delivers events until the channel is closed. A cancelled ctx switches to
// draining the buffered events within DrainTimeout.
func (d *EventDispatcher) Run(ctx context.Context, events <-chan *domain.Event) {
	d.log.Info(fmt.Sprintf("Event dispatcher started (sink: %s)", d.sink.Destination()))

	for {
		if ctx.Err() != nil {
			d.drain(events)
			return
		}
		select {
		case <-ctx.Done():
			d.drain(events)
			return
		case event, ok := <-events:
			if !ok {
				d.log.Info("Event dispatcher stopped: source closed")
				return
			}
			d.Dispatch(ctx, event)
		}
	}
}

func (d *EventDispatcher) drain(events <-chan *domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			d.log.Warn(fmt.Sprintf("Event dispatcher drain timed out, %d events left", len(events)))
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.Dispatch(ctx, event)
		default:
			return
		}
	}
}

// Dispatch delivers one event with retry, moving it to the DLQ on exhaustion
func (d *EventDispatcher) Dispatch(ctx context.Context, event *domain.Event) {
	payload, err := notify.Encode(event)
	if err != nil {
		metrics.RecordEvent(string(event.Type), "failed")
		d.log.Error(fmt.Sprintf("Dropping unencodable event %s: %v", event.ID, err))
		return
	}

	msg := &retry.MessageContext{
		ID:      event.ID,
		Topic:   d.sink.Destination(),
		Key:     event.Key(),
		Payload: payload,
		Headers: map[string]string{"event_type": string(event.Type)},
	}
	err = d.dlq.ProcessWithDLQ(ctx, msg, func(ctx context.Context) error {
		return d.sink.Send(ctx, event)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.deadLetter++
		metrics.RecordEvent(string(event.Type), "dlq")
		return
	}
	d.delivered++
	metrics.RecordEvent(string(event.Type), "delivered")
}

// GetMetrics returns delivered and dead-lettered counts
func (d *EventDispatcher) GetMetrics() (delivered, deadLetter int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.deadLetter
}
