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
	"github.com/prohmpiriya/booking-core/internal/metrics"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Outcome is the final state of an admission
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

// Decision is the result of Admit. Reason explains a queued or rejected outcome.
type Decision struct {
	Outcome      Outcome
	Booking      *domain.Booking
	Reason       error
	Availability *domain.Availability
	// LowStock is set when a deduction left the balance at or below the resource threshold
	LowStock bool
	// Replayed is set when the booking already existed under AdmitOptions.BookingID
	Replayed bool
}

// AdmitOptions tunes one admission
type AdmitOptions struct {
	// Reason is recorded on the inventory transaction; zero means booking
	Reason domain.TransactionReason
	// HolderID identifies the lock holder; empty gets a fresh uuid
	HolderID string
	// BookingID fixes the booking id so a retried admission confirms at most once.
	// An existing booking under this id is returned as a replay.
	BookingID string
}

// AdmissionConfig holds admission settings
type AdmissionConfig struct {
	LockTTL time.Duration
	Now     func() time.Time
}

// AdmissionService runs the lock, check, deduct, persist sequence
type AdmissionService struct {
	inventory repository.InventoryRepository
	bookings  repository.BookingRepository
	locks     lock.LockManager
	ledger    *ledger.Ledger
	policy    QueuePolicy
	events    EventPublisher
	log       *logger.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

// NewAdmissionService creates a new AdmissionService
func NewAdmissionService(
	inventory repository.InventoryRepository,
	bookings repository.BookingRepository,
	locks lock.LockManager,
	ldg *ledger.Ledger,
	policy QueuePolicy,
	events EventPublisher,
	log *logger.Logger,
	cfg *AdmissionConfig,
) *AdmissionService {
	if policy == nil {
		policy = NewDefaultQueuePolicy()
	}
	if events == nil {
		events = NewNoOpEventPublisher()
	}
	if log == nil {
		log = logger.Get()
	}
	s := &AdmissionService{
		inventory: inventory,
		bookings:  bookings,
		locks:     locks,
		ledger:    ldg,
		policy:    policy,
		events:    events,
		log:       log,
		lockTTL:   lock.DefaultTTL,
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.LockTTL > 0 {
			s.lockTTL = cfg.LockTTL
		}
		if cfg.Now != nil {
			s.now = cfg.Now
		}
	}
	return s
}

// Admit decides a request. Business rejections and store failures come back as a
// Decision; the error is only set when ctx was already done.
func (s *AdmissionService) Admit(ctx context.Context, req *domain.BookingRequest, opts AdmitOptions) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "service.admission.admit")
	defer span.End()

	if opts.Reason == "" {
		opts.Reason = domain.ReasonBooking
	}
	if opts.HolderID == "" {
		opts.HolderID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("resource_id", req.ResourceID),
		attribute.String("requester_id", req.RequesterID),
		attribute.Int("quantity", req.Quantity),
		attribute.String("reason", string(opts.Reason)),
	)

	start := time.Now()
	decision := s.admit(ctx, req, opts)
	metrics.RecordAdmission(string(decision.Outcome), time.Since(start).Seconds())

	span.SetAttributes(attribute.String("outcome", string(decision.Outcome)))
	if decision.Reason != nil {
		span.SetAttributes(attribute.String("outcome_reason", decision.Reason.Error()))
	}
	if decision.Outcome == OutcomeQueued && domain.IsInfrastructureError(decision.Reason) {
		span.SetStatus(codes.Error, decision.Reason.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.emit(ctx, req, opts, decision)
	return decision, nil
}

func (s *AdmissionService) admit(ctx context.Context, req *domain.BookingRequest, opts AdmitOptions) *Decision {
	now := s.now()

	if opts.BookingID != "" {
		existing, err := s.bookings.GetByID(ctx, opts.BookingID)
		if err == nil {
			return replayed(existing)
		}
		if !errors.Is(err, domain.ErrBookingNotFound) {
			return queued(err, nil)
		}
	}

	// RECEIVED
	res, err := s.validate(ctx, req, now)
	if err != nil {
		if domain.IsBusinessRejection(err) {
			return rejected(err, nil)
		}
		return queued(err, nil)
	}

	// LOCK_ACQUIRED
	keys := contentionKeys(res, req, s.ledger.BufferWindow())
	leases, err := lock.AcquireAll(ctx, s.locks, keys, opts.HolderID, s.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockBusy) {
			metrics.RecordLock("busy")
		} else {
			metrics.RecordLock("error")
		}
		return queued(err, nil)
	}
	metrics.RecordLock("acquired")
	defer lock.ReleaseAll(s.locks, leases)

	// AVAILABILITY_CHECKED
	avail, conflict, err := s.check(ctx, res, req)
	if err != nil {
		return queued(err, nil)
	}
	if conflict != nil {
		if s.policy.ShouldQueue(res, req, avail) {
			return queued(conflict, avail)
		}
		return rejected(conflict, avail)
	}

	booking := domain.NewConfirmedBooking(req, nil, now)
	if opts.BookingID != "" {
		booking.ID = opts.BookingID
	}
	if res.IsCountable() {
		// every attempt gets its own deduction so a retry never meets an earlier restore
		deductionID := uuid.New().String()
		deduction, err := s.ledger.Deduct(ctx, res.ID, req.Quantity, opts.Reason, deductionID)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				if !s.policy.ShouldQueue(res, req, avail) {
					return rejected(err, avail)
				}
				return queued(err, avail)
			}
			s.reconcile(ctx, deductionID, res.ID, err)
			return queued(err, avail)
		}
		booking.Deduction = deduction
	}

	// fencing check: the critical section must still own every key
	if _, err := lock.RenewAll(ctx, s.locks, leases, s.lockTTL); err != nil {
		s.rollback(ctx, booking)
		if errors.Is(err, domain.ErrLeaseExpired) {
			metrics.RecordLeaseLost()
			s.log.Error("Lease lost before commit, admission rolled back",
				zap.String("booking_id", booking.ID),
				zap.String("resource_id", res.ID),
				zap.Strings("keys", keys),
				zap.Duration("lock_ttl", s.lockTTL),
				zap.Error(err),
			)
			return queued(fmt.Errorf("%w: %w", domain.ErrLeaseExpiredDuringOperation, err), avail)
		}
		return queued(err, avail)
	}

	if err := s.bookings.Create(ctx, booking); err != nil {
		return s.settleCreate(ctx, res, booking, avail, err)
	}
	return confirmed(res, booking, avail)
}

// settleCreate decides a booking write that reported an error. The row may
// have committed anyway, so the store is asked before any stock is restored.
func (s *AdmissionService) settleCreate(ctx context.Context, res *domain.Resource, booking *domain.Booking, avail *domain.Availability, createErr error) *Decision {
	stored, err := s.bookings.GetByID(context.WithoutCancel(ctx), booking.ID)
	switch {
	case err == nil && sameAdmission(stored, booking):
		s.log.Warn("Booking write reported failure but committed",
			zap.String("booking_id", booking.ID),
			zap.Error(createErr),
		)
		return confirmed(res, booking, avail)
	case err == nil:
		// another admission owns the id
		s.rollback(ctx, booking)
		return replayed(stored)
	case errors.Is(err, domain.ErrBookingNotFound):
		s.log.Warn("Failed to persist booking, restoring stock",
			zap.String("booking_id", booking.ID),
			zap.Error(createErr),
		)
		s.rollback(ctx, booking)
		return queued(createErr, avail)
	default:
		// the write may have landed; restoring now could oversell
		s.log.Error("Booking write outcome unknown, stock left deducted",
			zap.String("booking_id", booking.ID),
			zap.String("resource_id", booking.ResourceID),
			zap.Error(createErr),
			zap.NamedError("lookup_error", err),
		)
		return queued(createErr, avail)
	}
}

// sameAdmission reports whether stored is the row this admission tried to write
func sameAdmission(stored, booking *domain.Booking) bool {
	if stored.Deduction != nil || booking.Deduction != nil {
		return stored.Deduction != nil && booking.Deduction != nil && stored.Deduction.ID == booking.Deduction.ID
	}
	return stored.RequesterID == booking.RequesterID && stored.CreatedAt.Equal(booking.CreatedAt)
}

func (s *AdmissionService) validate(ctx context.Context, req *domain.BookingRequest, now time.Time) (*domain.Resource, error) {
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if err := req.Window.Validate(now); err != nil {
		return nil, err
	}

	res, err := s.inventory.GetResource(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}

	if req.Window.Start.Before(now.Add(res.LeadTime)) {
		return nil, domain.ErrLeadTimeNotMet
	}
	capacity, err := s.ledger.Capacity(ctx, res)
	if err != nil {
		return nil, err
	}
	if req.Quantity > capacity {
		return nil, domain.ErrExceedsCapacity
	}
	if res.DeliveryRequired && req.DeliveryWindow == nil {
		return nil, domain.ErrInvalidWindow
	}
	if req.DeliveryWindow != nil {
		if err := req.DeliveryWindow.Validate(now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// check returns the availability and, when the request cannot be served, the conflict
func (s *AdmissionService) check(ctx context.Context, res *domain.Resource, req *domain.BookingRequest) (avail *domain.Availability, conflict error, err error) {
	avail, err = s.ledger.CheckAvailable(ctx, res, req.Quantity, req.Window)
	if err != nil {
		return nil, nil, err
	}
	if !avail.OK {
		if res.IsCountable() {
			return avail, domain.ErrInsufficientStock, nil
		}
		return avail, domain.ErrSlotUnavailable, nil
	}

	if req.DeliveryWindow != nil {
		slot, err := s.ledger.CheckDeliverySlot(ctx, *req.DeliveryWindow)
		if err != nil {
			return nil, nil, err
		}
		if !slot.OK {
			return slot, domain.ErrSlotUnavailable, nil
		}
	}
	return avail, nil, nil
}

func (s *AdmissionService) rollback(ctx context.Context, booking *domain.Booking) {
	if booking.Deduction == nil {
		return
	}
	if err := s.ledger.Restore(context.WithoutCancel(ctx), booking.Deduction, domain.ReasonCancellation); err != nil {
		s.log.Error("Failed to restore deduction after aborted admission",
			zap.String("deduction_id", booking.Deduction.ID),
			zap.String("resource_id", booking.ResourceID),
			zap.Error(err),
		)
	}
}

// reconcile gives back a deduction whose write failed but may have committed
func (s *AdmissionService) reconcile(ctx context.Context, deductionID, resourceID string, cause error) {
	restored, err := s.ledger.Reconcile(context.WithoutCancel(ctx), deductionID, domain.ReasonCancellation)
	if err != nil {
		s.log.Error("Failed to reconcile deduction after write error",
			zap.String("deduction_id", deductionID),
			zap.String("resource_id", resourceID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	if restored {
		s.log.Warn("Deduction committed despite write error, stock restored",
			zap.String("deduction_id", deductionID),
			zap.String("resource_id", resourceID),
			zap.Error(cause),
		)
	}
}

func (s *AdmissionService) emit(ctx context.Context, req *domain.BookingRequest, opts AdmitOptions, d *Decision) {
	now := s.now()
	promotion := opts.Reason == domain.ReasonQueuePromotion

	if d.Replayed {
		return
	}

	switch d.Outcome {
	case OutcomeConfirmed:
		eventType := domain.EventBookingConfirmed
		if promotion {
			eventType = domain.EventBookingPromoted
		}
		s.events.Publish(ctx, domain.NewBookingEvent(eventType, d.Booking, now))

		if d.LowStock {
			low := domain.NewEvent(domain.EventInventoryLow, d.Booking.ResourceID, now)
			low.Quantity = d.Booking.Deduction.BalanceAfter
			s.events.Publish(ctx, low)
		}
	case OutcomeRejected:
		// the queue processor reports rejected promotions with the entry id
		if promotion {
			return
		}
		e := domain.NewEvent(domain.EventBookingRejected, req.ResourceID, now)
		e.RequesterID = req.RequesterID
		e.Quantity = req.Quantity
		e.Reason = d.Reason.Error()
		s.events.Publish(ctx, e)
	}
}

// contentionKeys returns every key whose holder may conflict with req. Two
// overlapping buffered windows always share a date, so they share a key.
func contentionKeys(res *domain.Resource, req *domain.BookingRequest, buffer time.Duration) []string {
	var keys []string
	if res.IsCountable() {
		keys = append(keys, lock.StockKey(res.ID))
	} else {
		for _, date := range req.Window.Extend(buffer).Dates() {
			keys = append(keys, lock.ResourceKey(res.ID, date))
		}
	}
	if req.DeliveryWindow != nil {
		for _, date := range req.DeliveryWindow.Extend(buffer).Dates() {
			keys = append(keys, lock.DeliverySlotKey(date))
		}
	}
	return keys
}

func confirmed(res *domain.Resource, booking *domain.Booking, avail *domain.Availability) *Decision {
	decision := &Decision{Outcome: OutcomeConfirmed, Booking: booking, Availability: avail}
	if booking.Deduction != nil {
		decision.LowStock = booking.Deduction.BalanceAfter <= res.LowStockThreshold
	}
	return decision
}

func replayed(booking *domain.Booking) *Decision {
	return &Decision{Outcome: OutcomeConfirmed, Booking: booking, Replayed: true}
}

func queued(reason error, avail *domain.Availability) *Decision {
	return &Decision{Outcome: OutcomeQueued, Reason: reason, Availability: avail}
}

func rejected(reason error, avail *domain.Availability) *Decision {
	return &Decision{Outcome: OutcomeRejected, Reason: reason, Availability: avail}
}
