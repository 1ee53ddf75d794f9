package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/lock"
	"github.com/prohmpiriya/booking-core/internal/metrics"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/internal/service"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Admitter runs one admission attempt
type Admitter interface {
	Admit(ctx context.Context, req *domain.BookingRequest, opts service.AdmitOptions) (*service.Decision, error)
}

// QueueProcessorConfig holds configuration for the queue processor
type QueueProcessorConfig struct {
	// Interval is the time between cycles (default: 5 seconds)
	Interval time.Duration
	// BatchSize is the number of oldest entries examined per cycle (default: 100)
	BatchSize int
	// MaxAttempts expires an entry after this many failed promotions (default: 10)
	MaxAttempts int
	// LeaseTTL bounds how long one processor holds an entry (default: lock.DefaultTTL)
	LeaseTTL time.Duration
	Now      func() time.Time
}

// DefaultQueueProcessorConfig returns default configuration
func DefaultQueueProcessorConfig() *QueueProcessorConfig {
	return &QueueProcessorConfig{
		Interval:    5 * time.Second,
		BatchSize:   100,
		MaxAttempts: 10,
		LeaseTTL:    lock.DefaultTTL,
		Now:         time.Now,
	}
}

// CycleResult counts what one cycle did
type CycleResult struct {
	Processed int
	Promoted  int
	Rejected  int
	Expired   int
	Requeued  int
	Failed    int
	// Skipped counts entries another processor held or already finished
	Skipped int
}

// QueueProcessorMetrics are the processor's running totals
type QueueProcessorMetrics struct {
	TotalProcessed int64
	TotalPromoted  int64
	TotalExpired   int64
	TotalFailed    int64
	TotalSkipped   int64
	LastRun        time.Time
}

// QueueProcessor retries queued requests oldest first. An entry that still cannot
// be admitted does not block younger entries behind it. Each entry is leased
// before promotion and its id becomes the booking id, so any number of
// processors may share a queue.
type QueueProcessor struct {
	config    *QueueProcessorConfig
	queue     repository.QueueRepository
	locks     lock.LockManager
	admission Admitter
	holderID  string
	events    service.EventPublisher
	log       *logger.Logger

	mu      sync.Mutex
	metrics QueueProcessorMetrics
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(
	cfg *QueueProcessorConfig,
	queue repository.QueueRepository,
	locks lock.LockManager,
	admission Admitter,
	events service.EventPublisher,
	log *logger.Logger,
) *QueueProcessor {
	if cfg == nil {
		cfg = DefaultQueueProcessorConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lock.DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = service.NewNoOpEventPublisher()
	}
	if log == nil {
		log = logger.Get()
	}

	return &QueueProcessor{
		config:    cfg,
		queue:     queue,
		locks:     locks,
		admission: admission,
		holderID:  "queue-processor:" + uuid.New().String(),
		events:    events,
		log:       log,
	}
}

// Start runs cycles until ctx is done
func (p *QueueProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.log.Info(fmt.Sprintf("Queue processor started (interval: %v, batch: %d, max attempts: %d)",
		p.config.Interval, p.config.BatchSize, p.config.MaxAttempts))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Queue processor stopping...")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error(fmt.Sprintf("Queue cycle failed: %v", err))
			}
		}
	}
}

// ProcessOnce runs a single cycle over the oldest BatchSize entries
func (p *QueueProcessor) ProcessOnce(ctx context.Context) (*CycleResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "worker.queue.cycle")
	defer span.End()

	result := &CycleResult{}
	defer p.record(result)

	entries, err := p.queue.ListOldest(ctx, p.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("failed to list queue entries: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		if err := p.processEntry(ctx, entry, result); err != nil {
			result.Failed++
			metrics.RecordQueueResult("failed")
			p.log.Error(fmt.Sprintf("Failed to process queue entry %s: %v", entry.ID, err))
		}
	}

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("promoted", result.Promoted),
		attribute.Int("expired", result.Expired),
		attribute.Int("skipped", result.Skipped),
		attribute.Int("failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (p *QueueProcessor) processEntry(ctx context.Context, listed *domain.QueueEntry, result *CycleResult) error {
	lease, err := p.locks.Acquire(ctx, lock.QueueEntryKey(listed.ID), p.holderID, p.config.LeaseTTL)
	if errors.Is(err, domain.ErrLockBusy) {
		result.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lease queue entry: %w", err)
	}
	defer lock.ReleaseAll(p.locks, []*domain.Lease{lease})

	// the listing may be stale; only the stored entry is promoted
	entry, err := p.queue.Get(ctx, listed.ID)
	if errors.Is(err, domain.ErrQueueEntryNotFound) {
		result.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue entry: %w", err)
	}

	now := p.config.Now()
	if entry.IsExpired(now, p.config.MaxAttempts) {
		return p.expire(ctx, entry, result)
	}

	decision, err := p.admission.Admit(ctx, entry.Request(), service.AdmitOptions{
		Reason:    domain.ReasonQueuePromotion,
		HolderID:  p.holderID,
		BookingID: entry.ID,
	})
	if err != nil {
		return err
	}

	switch decision.Outcome {
	case service.OutcomeConfirmed:
		if err := p.remove(ctx, entry); err != nil {
			return err
		}
		result.Promoted++
		metrics.RecordQueueResult("promoted")
		if decision.Replayed {
			p.log.Info(fmt.Sprintf("Queue entry %s was already booked as %s, removed", entry.ID, decision.Booking.ID))
			break
		}
		p.log.Info(fmt.Sprintf("Promoted queue entry %s to booking %s (waited %v)",
			entry.ID, decision.Booking.ID, now.Sub(entry.EnqueuedAt)))

	case service.OutcomeRejected:
		if err := p.remove(ctx, entry); err != nil {
			return err
		}
		result.Rejected++
		metrics.RecordQueueResult("rejected")
		p.events.Publish(ctx, domain.NewQueueEvent(domain.EventBookingRejected, entry, reason(decision.Reason), now))

	default:
		entry.Attempts++
		entry.LastError = reason(decision.Reason)
		if entry.IsExpired(now, p.config.MaxAttempts) {
			return p.expire(ctx, entry, result)
		}
		if err := p.queue.Update(ctx, entry); err != nil {
			if errors.Is(err, domain.ErrQueueEntryNotFound) {
				return nil
			}
			return fmt.Errorf("failed to update attempts: %w", err)
		}
		result.Requeued++
		metrics.RecordQueueResult("requeued")
	}
	return nil
}

func (p *QueueProcessor) expire(ctx context.Context, entry *domain.QueueEntry, result *CycleResult) error {
	if err := p.remove(ctx, entry); err != nil {
		return err
	}
	result.Expired++
	metrics.RecordQueueResult("expired")

	msg := "expired"
	if entry.Attempts >= p.config.MaxAttempts {
		msg = fmt.Sprintf("gave up after %d attempts: %s", entry.Attempts, entry.LastError)
	}
	p.events.Publish(ctx, domain.NewQueueEvent(domain.EventBookingExpired, entry, msg, p.config.Now()))
	return nil
}

// remove deletes the entry; one withdrawn concurrently counts as removed
func (p *QueueProcessor) remove(ctx context.Context, entry *domain.QueueEntry) error {
	err := p.queue.Delete(ctx, entry.ID)
	if err == nil || errors.Is(err, domain.ErrQueueEntryNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete queue entry: %w", err)
}

func (p *QueueProcessor) record(result *CycleResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.TotalProcessed += int64(result.Processed)
	p.metrics.TotalPromoted += int64(result.Promoted)
	p.metrics.TotalExpired += int64(result.Expired)
	p.metrics.TotalFailed += int64(result.Failed)
	p.metrics.TotalSkipped += int64(result.Skipped)
	p.metrics.LastRun = p.config.Now()
}

// GetMetrics returns current processor metrics
func (p *QueueProcessor) GetMetrics() QueueProcessorMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
