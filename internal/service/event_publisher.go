package service

import (
	"context"
	"sync"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/metrics"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"go.uber.org/zap"
)

// EventPublisher hands notification events to the dispatcher. Publish never blocks
// and never fails the caller; a booking is not rolled back for a lost event.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event)
}

// ChannelEventPublisher buffers events for worker.EventDispatcher
type ChannelEventPublisher struct {
	events chan *domain.Event
	log    *logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewChannelEventPublisher creates a publisher with a buffer of size events
func NewChannelEventPublisher(size int, log *logger.Logger) *ChannelEventPublisher {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = logger.Get()
	}
	return &ChannelEventPublisher{
		events: make(chan *domain.Event, size),
		log:    log,
	}
}

// Publish enqueues the event or drops it when the buffer is full
func (p *ChannelEventPublisher) Publish(ctx context.Context, event *domain.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(event, "publisher closed")
		return
	}

	select {
	case p.events <- event:
	default:
		p.drop(event, "buffer full")
	}
}

func (p *ChannelEventPublisher) drop(event *domain.Event, reason string) {
	metrics.RecordEvent(string(event.Type), "dropped")
	p.log.Warn("Dropping notification event",
		zap.String("reason", reason),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("resource_id", event.ResourceID),
	)
}

// Events is drained by the dispatcher; it is closed by Close
func (p *ChannelEventPublisher) Events() <-chan *domain.Event {
	return p.events
}

// Close stops accepting events and closes the channel
func (p *ChannelEventPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}

// NoOpEventPublisher discards events
type NoOpEventPublisher struct{}

// NewNoOpEventPublisher creates a new no-op event publisher
func NewNoOpEventPublisher() *NoOpEventPublisher {
	return &NoOpEventPublisher{}
}

// Publish is a no-op
func (p *NoOpEventPublisher) Publish(ctx context.Context, event *domain.Event) {}

var (
	_ EventPublisher = (*ChannelEventPublisher)(nil)
	_ EventPublisher = (*NoOpEventPublisher)(nil)
)
