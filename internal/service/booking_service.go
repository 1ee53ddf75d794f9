package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/ledger"
	"github.com/prohmpiriya/booking-core/internal/lock"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/retry"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SubmitResult is what the request layer gets back for a submission
type SubmitResult struct {
	Outcome      Outcome
	Booking      *domain.Booking
	QueueEntryID string
	Reason       error
}

// BookingService defines the interface for booking business logic
type BookingService interface {
	// SubmitBooking admits a request, queueing it when it cannot be served now
	SubmitBooking(ctx context.Context, req *domain.BookingRequest) (*SubmitResult, error)

	// CancelBooking returns the booking's stock under the same locks admission takes
	CancelBooking(ctx context.Context, bookingID, requesterID string) error

	// CancelQueueEntry withdraws a queued request
	CancelQueueEntry(ctx context.Context, entryID, requesterID string) error

	// UpdatePaymentStatus records the payment collaborator's verdict
	UpdatePaymentStatus(ctx context.Context, bookingID string, status domain.PaymentStatus) error

	// CompleteBooking moves a confirmed booking to completed
	CompleteBooking(ctx context.Context, bookingID string) error

	GetBooking(ctx context.Context, bookingID string) (*domain.Booking, error)
	ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error)
	GetAvailability(ctx context.Context, resourceID string, quantity int, window domain.Window) (*domain.Availability, error)

	// Restock adds a batch under the stock lock
	Restock(ctx context.Context, resourceID string, quantity int, acquiredAt time.Time) (*domain.InventoryTransaction, error)
}

// BookingServiceConfig contains configuration for booking service
type BookingServiceConfig struct {
	QueueEntryTTL time.Duration
	LockTTL       time.Duration
	// LockRetry bounds the backoff on a busy key for cancellation and restock
	LockRetry *retry.Config
	Now       func() time.Time
}

// bookingService implements BookingService
type bookingService struct {
	admission *AdmissionService
	inventory repository.InventoryRepository
	bookings  repository.BookingRepository
	queue     repository.QueueRepository
	locks     lock.LockManager
	ledger    *ledger.Ledger
	events    EventPublisher
	log       *logger.Logger

	queueEntryTTL time.Duration
	lockTTL       time.Duration
	lockRetry     *retry.Config
	now           func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(
	admission *AdmissionService,
	inventory repository.InventoryRepository,
	bookings repository.BookingRepository,
	queue repository.QueueRepository,
	locks lock.LockManager,
	ldg *ledger.Ledger,
	events EventPublisher,
	log *logger.Logger,
	cfg *BookingServiceConfig,
) BookingService {
	if events == nil {
		events = NewNoOpEventPublisher()
	}
	if log == nil {
		log = logger.Get()
	}

	s := &bookingService{
		admission:     admission,
		inventory:     inventory,
		bookings:      bookings,
		queue:         queue,
		locks:         locks,
		ledger:        ldg,
		events:        events,
		log:           log,
		queueEntryTTL: 24 * time.Hour,
		lockTTL:       lock.DefaultTTL,
		lockRetry: &retry.Config{
			MaxRetries:      5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			JitterFactor:    0.2,
		},
		now: time.Now,
	}
	if cfg != nil {
		if cfg.QueueEntryTTL > 0 {
			s.queueEntryTTL = cfg.QueueEntryTTL
		}
		if cfg.LockTTL > 0 {
			s.lockTTL = cfg.LockTTL
		}
		if cfg.LockRetry != nil {
			s.lockRetry = cfg.LockRetry
		}
		if cfg.Now != nil {
			s.now = cfg.Now
		}
	}
	return s
}

// SubmitBooking admits a request and enqueues it when admission says queued
func (s *bookingService) SubmitBooking(ctx context.Context, req *domain.BookingRequest) (*SubmitResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.submit")
	defer span.End()

	if req == nil {
		span.SetStatus(codes.Error, "invalid quantity")
		return nil, domain.ErrInvalidQuantity
	}

	decision, err := s.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &SubmitResult{
		Outcome: decision.Outcome,
		Booking: decision.Booking,
		Reason:  decision.Reason,
	}
	if decision.Outcome != OutcomeQueued {
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	entry := domain.NewQueueEntry(req, s.now(), s.queueEntryTTL)
	if decision.Reason != nil {
		entry.LastError = decision.Reason.Error()
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("Failed to enqueue request",
			zap.String("resource_id", req.ResourceID),
			zap.String("requester_id", req.RequesterID),
			zap.NamedError("admission_reason", decision.Reason),
			zap.Error(err),
		)
		if domain.IsInfrastructureError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	result.QueueEntryID = entry.ID
	s.events.Publish(ctx, domain.NewQueueEvent(domain.EventBookingQueued, entry, entry.LastError, s.now()))

	span.SetAttributes(attribute.String("queue_entry_id", entry.ID))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// admit retries a lock-busy admission with bounded backoff before settling for queued
func (s *bookingService) admit(ctx context.Context, req *domain.BookingRequest) (*Decision, error) {
	cfg := *s.lockRetry
	cfg.RetryIf = func(err error) bool { return errors.Is(err, domain.ErrLockBusy) }

	var decision *Decision
	result := retry.Do(ctx, &cfg, func(ctx context.Context) error {
		d, err := s.admission.Admit(ctx, req, AdmitOptions{Reason: domain.ReasonBooking})
		if err != nil {
			return retry.Permanent(err)
		}
		decision = d
		if d.Outcome == OutcomeQueued && errors.Is(d.Reason, domain.ErrLockBusy) {
			return d.Reason
		}
		return nil
	})
	if decision == nil {
		if result.LastError != nil {
			return nil, result.LastError
		}
		return nil, result.Err
	}
	return decision, nil
}

// CancelBooking reverses the deduction exactly once and marks the booking cancelled
func (s *bookingService) CancelBooking(ctx context.Context, bookingID, requesterID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if requesterID != "" && booking.RequesterID != requesterID {
		span.SetStatus(codes.Error, "not owner")
		return domain.ErrNotOwner
	}
	if booking.Status == domain.BookingStatusCancelled {
		span.SetStatus(codes.Ok, "already cancelled")
		return nil
	}
	if !booking.CanTransitionTo(domain.BookingStatusCancelled) {
		span.SetStatus(codes.Error, "invalid transition")
		return domain.ErrInvalidStatusTransition
	}

	res, err := s.inventory.GetResource(ctx, booking.ResourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	req := &domain.BookingRequest{
		ResourceID:     booking.ResourceID,
		Quantity:       booking.Quantity,
		Window:         booking.Window,
		DeliveryWindow: booking.DeliveryWindow,
	}
	leases, err := s.acquire(ctx, contentionKeys(res, req, s.ledger.BufferWindow()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer lock.ReleaseAll(s.locks, leases)

	// re-read under the lock; a concurrent cancel may have won
	booking, err = s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status == domain.BookingStatusCancelled {
		span.SetStatus(codes.Ok, "already cancelled")
		return nil
	}
	if !booking.CanTransitionTo(domain.BookingStatusCancelled) {
		return domain.ErrInvalidStatusTransition
	}

	if err := s.ledger.Restore(ctx, booking.Deduction, domain.ReasonCancellation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to restore stock: %w", err)
	}

	now := s.now()
	booking.Status = domain.BookingStatusCancelled
	booking.UpdatedAt = now
	booking.CancelledAt = &now
	if err := s.bookings.Update(ctx, booking); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark booking cancelled: %w", err)
	}

	s.events.Publish(ctx, domain.NewBookingEvent(domain.EventBookingCancelled, booking, now))
	span.SetStatus(codes.Ok, "")
	return nil
}

// acquire takes every key, backing off while any of them is busy
func (s *bookingService) acquire(ctx context.Context, keys []string) ([]*domain.Lease, error) {
	holderID := uuid.New().String()
	cfg := *s.lockRetry
	cfg.RetryIf = func(err error) bool { return errors.Is(err, domain.ErrLockBusy) }

	var leases []*domain.Lease
	result := retry.Do(ctx, &cfg, func(ctx context.Context) error {
		var err error
		leases, err = lock.AcquireAll(ctx, s.locks, keys, holderID, s.lockTTL)
		return err
	})
	if result.Err != nil {
		if result.LastError != nil {
			return nil, result.LastError
		}
		return nil, result.Err
	}
	return leases, nil
}

// CancelQueueEntry removes a queued request owned by requesterID
func (s *bookingService) CancelQueueEntry(ctx context.Context, entryID, requesterID string) error {
	entry, err := s.queue.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if requesterID != "" && entry.RequesterID != requesterID {
		return domain.ErrNotOwner
	}
	if err := s.queue.Delete(ctx, entryID); err != nil {
		// the processor promoted or expired it first
		if errors.Is(err, domain.ErrQueueEntryNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}

	s.events.Publish(ctx, domain.NewQueueEvent(domain.EventBookingCancelled, entry, "withdrawn", s.now()))
	return nil
}

// UpdatePaymentStatus accepts paid or payment_failed on confirmed bookings only
func (s *bookingService) UpdatePaymentStatus(ctx context.Context, bookingID string, status domain.PaymentStatus) error {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.update_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("payment_status", string(status)),
	)

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !booking.CanSetPayment(status) {
		span.SetStatus(codes.Error, "invalid payment transition")
		return domain.ErrInvalidPaymentTransition
	}
	if booking.PaymentStatus == status {
		span.SetStatus(codes.Ok, "unchanged")
		return nil
	}

	booking.PaymentStatus = status
	booking.UpdatedAt = s.now()
	if err := s.bookings.Update(ctx, booking); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// CompleteBooking moves a confirmed booking to completed
func (s *bookingService) CompleteBooking(ctx context.Context, bookingID string) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != domain.BookingStatusConfirmed || !booking.CanTransitionTo(domain.BookingStatusCompleted) {
		return domain.ErrInvalidStatusTransition
	}

	booking.Status = domain.BookingStatusCompleted
	booking.UpdatedAt = s.now()
	if err := s.bookings.Update(ctx, booking); err != nil {
		return fmt.Errorf("failed to complete booking: %w", err)
	}
	return nil
}

// GetBooking retrieves a booking by ID
func (s *bookingService) GetBooking(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}

// ListTransactions returns the newest inventory transactions of a resource
func (s *bookingService) ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error) {
	if _, err := s.inventory.GetResource(ctx, resourceID); err != nil {
		return nil, err
	}
	return s.inventory.ListTransactions(ctx, resourceID, limit)
}

// GetAvailability runs the availability check without taking locks
func (s *bookingService) GetAvailability(ctx context.Context, resourceID string, quantity int, window domain.Window) (*domain.Availability, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if !window.End.After(window.Start) {
		return nil, domain.ErrInvalidWindow
	}

	res, err := s.inventory.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return s.ledger.CheckAvailable(ctx, res, quantity, window)
}

// Restock adds a manual_adjustment batch to a countable resource
func (s *bookingService) Restock(ctx context.Context, resourceID string, quantity int, acquiredAt time.Time) (*domain.InventoryTransaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.restock")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int("quantity", quantity),
	)

	if quantity <= 0 {
		span.SetStatus(codes.Error, "invalid quantity")
		return nil, domain.ErrInvalidQuantity
	}
	res, err := s.inventory.GetResource(ctx, resourceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !res.IsCountable() {
		span.SetStatus(codes.Error, "not countable")
		return nil, fmt.Errorf("%w: %s is not a countable resource", domain.ErrInvalidQuantity, res.ID)
	}

	leases, err := s.acquire(ctx, []string{lock.StockKey(res.ID)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer lock.ReleaseAll(s.locks, leases)

	txn, err := s.ledger.Restock(ctx, res.ID, quantity, acquiredAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("balance_after", txn.BalanceAfter))
	span.SetStatus(codes.Ok, "")
	return txn, nil
}

var _ BookingService = (*bookingService)(nil)
