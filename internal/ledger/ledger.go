// Package ledger computes availability and moves stock. Every stock change is
// one conditional write plus one append-only inventory transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config holds ledger configuration
type Config struct {
	// BufferWindow is added after every time-bound booking and delivery before the unit is free again
	BufferWindow time.Duration
	// DeliveryCapacity is the number of deliveries that may overlap
	DeliveryCapacity int
	Now              func() time.Time
}

// DefaultConfig returns default ledger configuration
func DefaultConfig() *Config {
	return &Config{
		BufferWindow:     60 * time.Minute,
		DeliveryCapacity: 1,
		Now:              time.Now,
	}
}

// Ledger answers availability questions and applies deductions
type Ledger struct {
	inventory repository.InventoryRepository
	bookings  repository.BookingRepository
	config    *Config
}

// New creates a Ledger; a nil config uses DefaultConfig
func New(inventory repository.InventoryRepository, bookings repository.BookingRepository, cfg *Config) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeliveryCapacity <= 0 {
		cfg.DeliveryCapacity = 1
	}
	return &Ledger{inventory: inventory, bookings: bookings, config: cfg}
}

// BufferWindow returns the configured buffer
func (l *Ledger) BufferWindow() time.Duration {
	return l.config.BufferWindow
}

// CheckAvailable reports whether quantity units of the resource are free for window
func (l *Ledger) CheckAvailable(ctx context.Context, res *domain.Resource, quantity int, window domain.Window) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.check_available")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", res.ID),
		attribute.String("category", string(res.Category)),
		attribute.Int("quantity", quantity),
	)

	var (
		avail *domain.Availability
		err   error
	)
	if res.IsCountable() {
		avail, err = l.checkStock(ctx, res.ID, quantity)
	} else {
		avail, err = l.checkWindow(ctx, res, quantity, window)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("ok", avail.OK),
		attribute.Int("available_qty", avail.AvailableQty),
	)
	span.SetStatus(codes.Ok, "")
	return avail, nil
}

func (l *Ledger) checkStock(ctx context.Context, resourceID string, quantity int) (*domain.Availability, error) {
	total, err := l.inventory.Balance(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &domain.Availability{OK: total >= quantity, AvailableQty: total}, nil
}

func (l *Ledger) checkWindow(ctx context.Context, res *domain.Resource, quantity int, window domain.Window) (*domain.Availability, error) {
	buffer := l.config.BufferWindow
	candidates, err := l.bookings.ListActiveInRange(ctx, res.ID, window.Start.Add(-buffer), window.End.Add(buffer))
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}

	windows := make([]blocker, 0, len(candidates))
	for _, b := range candidates {
		windows = append(windows, blocker{window: b.Window, quantity: b.Quantity})
	}
	return l.available(res.TotalQuantity, quantity, window, windows), nil
}

// CheckDeliverySlot reports whether the delivery fleet has a free unit for window
func (l *Ledger) CheckDeliverySlot(ctx context.Context, window domain.Window) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.check_delivery_slot")
	defer span.End()

	buffer := l.config.BufferWindow
	candidates, err := l.bookings.ListActiveDeliveriesInRange(ctx, window.Start.Add(-buffer), window.End.Add(buffer))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	windows := make([]blocker, 0, len(candidates))
	for _, b := range candidates {
		windows = append(windows, blocker{window: *b.DeliveryWindow, quantity: 1})
	}
	avail := l.available(l.config.DeliveryCapacity, 1, window, windows)

	span.SetAttributes(attribute.Bool("ok", avail.OK))
	span.SetStatus(codes.Ok, "")
	return avail, nil
}

type blocker struct {
	window   domain.Window
	quantity int
}

// available subtracts every blocker whose buffered window meets the buffered request.
// The buffer trails both sides, so two windows conflict unless one ends a buffer before the other starts.
func (l *Ledger) available(capacity, quantity int, window domain.Window, blockers []blocker) *domain.Availability {
	buffer := l.config.BufferWindow
	requested := window.Extend(buffer)

	used := 0
	var next *time.Time
	for _, b := range blockers {
		occupied := b.window.Extend(buffer)
		if !occupied.Overlaps(requested) {
			continue
		}
		used += b.quantity
		if next == nil || occupied.End.Before(*next) {
			end := occupied.End
			next = &end
		}
	}

	free := capacity - used
	if free < 0 {
		free = 0
	}
	avail := &domain.Availability{OK: free >= quantity, AvailableQty: free}
	if !avail.OK {
		avail.NextAvailableAt = next
	}
	return avail
}

// Deduct consumes quantity units FIFO by batch age. referenceID becomes the
// deduction id; an empty one gets a fresh uuid.
func (l *Ledger) Deduct(ctx context.Context, resourceID string, quantity int, reason domain.TransactionReason, referenceID string) (*domain.Deduction, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.deduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int("quantity", quantity),
		attribute.String("reason", string(reason)),
	)

	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	batches, err := l.inventory.ListBatches(ctx, resourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	fragments, ok := planFIFO(batches, quantity)
	if !ok {
		span.SetStatus(codes.Error, "insufficient stock")
		return nil, domain.ErrInsufficientStock
	}

	if referenceID == "" {
		referenceID = uuid.New().String()
	}
	deduction := &domain.Deduction{
		ID:         referenceID,
		ResourceID: resourceID,
		Quantity:   quantity,
		Fragments:  fragments,
		CreatedAt:  l.config.Now(),
	}

	txn, err := l.inventory.ApplyDeduction(ctx, deduction, reason)
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientStock) {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	deduction.BalanceAfter = txn.BalanceAfter

	span.SetAttributes(
		attribute.String("deduction_id", deduction.ID),
		attribute.Int("balance_after", txn.BalanceAfter),
	)
	span.SetStatus(codes.Ok, "")
	return deduction, nil
}

// planFIFO takes from the oldest batches first
func planFIFO(batches []*domain.Batch, quantity int) ([]domain.Fragment, bool) {
	need := quantity
	var fragments []domain.Fragment
	for _, b := range batches {
		if need == 0 {
			break
		}
		take := b.Remaining
		if take > need {
			take = need
		}
		if take <= 0 {
			continue
		}
		fragments = append(fragments, domain.Fragment{BatchID: b.ID, Quantity: take})
		need -= take
	}
	return fragments, need == 0
}

// Restore reverses a deduction exactly once; later calls are no-ops
func (l *Ledger) Restore(ctx context.Context, deduction *domain.Deduction, reason domain.TransactionReason) error {
	if deduction == nil {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "ledger.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("deduction_id", deduction.ID),
		attribute.String("reason", string(reason)),
	)

	_, err := l.inventory.ApplyRestore(ctx, deduction, reason)
	if err != nil && !errors.Is(err, domain.ErrAlreadyRestored) && !errors.Is(err, domain.ErrDeductionNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Bool("already_restored", errors.Is(err, domain.ErrAlreadyRestored)),
		attribute.Bool("never_applied", errors.Is(err, domain.ErrDeductionNotFound)),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Reconcile settles a deduction whose write reported an error. The write may
// still have committed, so a recorded deduction is restored; an unrecorded one
// needs nothing. It reports whether stock was given back.
func (l *Ledger) Reconcile(ctx context.Context, deductionID string, reason domain.TransactionReason) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("deduction_id", deductionID))

	applied, err := l.inventory.GetDeduction(ctx, deductionID)
	if errors.Is(err, domain.ErrDeductionNotFound) {
		span.SetAttributes(attribute.Bool("applied", false))
		span.SetStatus(codes.Ok, "")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to read deduction: %w", err)
	}

	span.SetAttributes(attribute.Bool("applied", true))
	_, err = l.inventory.ApplyRestore(ctx, applied, reason)
	if errors.Is(err, domain.ErrAlreadyRestored) {
		span.SetStatus(codes.Ok, "")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetStatus(codes.Ok, "")
	return true, nil
}

// Capacity is the most one request may ask for. Restocking grows countable
// stock, so their capacity also counts every batch ever acquired.
func (l *Ledger) Capacity(ctx context.Context, res *domain.Resource) (int, error) {
	if !res.IsCountable() {
		return res.TotalQuantity, nil
	}
	acquired, err := l.inventory.AcquiredQuantity(ctx, res.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read acquired quantity: %w", err)
	}
	if acquired > res.TotalQuantity {
		return acquired, nil
	}
	return res.TotalQuantity, nil
}

// Restock adds a new batch acquired at acquiredAt
func (l *Ledger) Restock(ctx context.Context, resourceID string, quantity int, acquiredAt time.Time) (*domain.InventoryTransaction, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if acquiredAt.IsZero() {
		acquiredAt = l.config.Now()
	}

	batch := &domain.Batch{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		AcquiredAt: acquiredAt,
		Quantity:   quantity,
		Remaining:  quantity,
	}
	txn, err := l.inventory.AddBatch(ctx, batch, domain.ReasonManualAdjustment)
	if err != nil {
		return nil, fmt.Errorf("failed to add batch: %w", err)
	}
	return txn, nil
}

// Balance returns the stock left for a resource
func (l *Ledger) Balance(ctx context.Context, resourceID string) (int, error) {
	return l.inventory.Balance(ctx, resourceID)
}
