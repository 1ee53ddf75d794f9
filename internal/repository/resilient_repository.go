package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/circuitbreaker"
)

// guard runs store calls through a circuit breaker with a per-call timeout.
// Domain outcomes are returned unchanged and never count against the breaker.
type guard struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func newGuard(name string, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return guard{name: name, breaker: breaker, timeout: timeout}
}

// A failure seen after the caller's own ctx ended belongs to the caller and is
// returned as is.
func (g guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var outcome error
	err := g.breaker.Execute(ctx, func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, g.timeout)
		defer cancel()

		err := fn(ctx)
		if isStoreOutcome(err) || (err != nil && parent.Err() != nil) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", g.name, op, domain.ErrStoreUnavailable, err)
	}
	return outcome
}

func isStoreOutcome(err error) bool {
	return domain.IsNotFoundError(err) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrAlreadyRestored) ||
		errors.Is(err, domain.ErrBookingExists)
}

// ResilientInventoryRepository guards an InventoryRepository
type ResilientInventoryRepository struct {
	next InventoryRepository
	g    guard
}

// NewResilientInventoryRepository wraps next; a zero timeout defaults to 2s
func NewResilientInventoryRepository(next InventoryRepository, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *ResilientInventoryRepository {
	return &ResilientInventoryRepository{next: next, g: newGuard("inventory", breaker, timeout)}
}

func (r *ResilientInventoryRepository) CreateResource(ctx context.Context, resource *domain.Resource) error {
	return r.g.run(ctx, "create_resource", func(ctx context.Context) error {
		return r.next.CreateResource(ctx, resource)
	})
}

func (r *ResilientInventoryRepository) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	var res *domain.Resource
	err := r.g.run(ctx, "get_resource", func(ctx context.Context) error {
		var err error
		res, err = r.next.GetResource(ctx, id)
		return err
	})
	return res, err
}

func (r *ResilientInventoryRepository) ListBatches(ctx context.Context, resourceID string) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	err := r.g.run(ctx, "list_batches", func(ctx context.Context) error {
		var err error
		batches, err = r.next.ListBatches(ctx, resourceID)
		return err
	})
	return batches, err
}

func (r *ResilientInventoryRepository) Balance(ctx context.Context, resourceID string) (int, error) {
	var total int
	err := r.g.run(ctx, "balance", func(ctx context.Context) error {
		var err error
		total, err = r.next.Balance(ctx, resourceID)
		return err
	})
	return total, err
}

func (r *ResilientInventoryRepository) AcquiredQuantity(ctx context.Context, resourceID string) (int, error) {
	var total int
	err := r.g.run(ctx, "acquired_quantity", func(ctx context.Context) error {
		var err error
		total, err = r.next.AcquiredQuantity(ctx, resourceID)
		return err
	})
	return total, err
}

func (r *ResilientInventoryRepository) GetDeduction(ctx context.Context, id string) (*domain.Deduction, error) {
	var d *domain.Deduction
	err := r.g.run(ctx, "get_deduction", func(ctx context.Context) error {
		var err error
		d, err = r.next.GetDeduction(ctx, id)
		return err
	})
	return d, err
}

func (r *ResilientInventoryRepository) ApplyDeduction(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	var txn *domain.InventoryTransaction
	err := r.g.run(ctx, "apply_deduction", func(ctx context.Context) error {
		var err error
		txn, err = r.next.ApplyDeduction(ctx, d, reason)
		return err
	})
	return txn, err
}

func (r *ResilientInventoryRepository) ApplyRestore(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	var txn *domain.InventoryTransaction
	err := r.g.run(ctx, "apply_restore", func(ctx context.Context) error {
		var err error
		txn, err = r.next.ApplyRestore(ctx, d, reason)
		return err
	})
	return txn, err
}

func (r *ResilientInventoryRepository) AddBatch(ctx context.Context, b *domain.Batch, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	var txn *domain.InventoryTransaction
	err := r.g.run(ctx, "add_batch", func(ctx context.Context) error {
		var err error
		txn, err = r.next.AddBatch(ctx, b, reason)
		return err
	})
	return txn, err
}

func (r *ResilientInventoryRepository) ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error) {
	var txns []*domain.InventoryTransaction
	err := r.g.run(ctx, "list_transactions", func(ctx context.Context) error {
		var err error
		txns, err = r.next.ListTransactions(ctx, resourceID, limit)
		return err
	})
	return txns, err
}

// ResilientBookingRepository guards a BookingRepository
type ResilientBookingRepository struct {
	next BookingRepository
	g    guard
}

// NewResilientBookingRepository wraps next; a zero timeout defaults to 2s
func NewResilientBookingRepository(next BookingRepository, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *ResilientBookingRepository {
	return &ResilientBookingRepository{next: next, g: newGuard("booking", breaker, timeout)}
}

func (r *ResilientBookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	return r.g.run(ctx, "create", func(ctx context.Context) error {
		return r.next.Create(ctx, booking)
	})
}

func (r *ResilientBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	var b *domain.Booking
	err := r.g.run(ctx, "get", func(ctx context.Context) error {
		var err error
		b, err = r.next.GetByID(ctx, id)
		return err
	})
	return b, err
}

func (r *ResilientBookingRepository) Update(ctx context.Context, booking *domain.Booking) error {
	return r.g.run(ctx, "update", func(ctx context.Context) error {
		return r.next.Update(ctx, booking)
	})
}

func (r *ResilientBookingRepository) ListActiveInRange(ctx context.Context, resourceID string, from, to time.Time) ([]*domain.Booking, error) {
	var bookings []*domain.Booking
	err := r.g.run(ctx, "list_active", func(ctx context.Context) error {
		var err error
		bookings, err = r.next.ListActiveInRange(ctx, resourceID, from, to)
		return err
	})
	return bookings, err
}

func (r *ResilientBookingRepository) ListActiveDeliveriesInRange(ctx context.Context, from, to time.Time) ([]*domain.Booking, error) {
	var bookings []*domain.Booking
	err := r.g.run(ctx, "list_deliveries", func(ctx context.Context) error {
		var err error
		bookings, err = r.next.ListActiveDeliveriesInRange(ctx, from, to)
		return err
	})
	return bookings, err
}

// ResilientQueueRepository guards a QueueRepository
type ResilientQueueRepository struct {
	next QueueRepository
	g    guard
}

// NewResilientQueueRepository wraps next; a zero timeout defaults to 2s
func NewResilientQueueRepository(next QueueRepository, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *ResilientQueueRepository {
	return &ResilientQueueRepository{next: next, g: newGuard("queue", breaker, timeout)}
}

func (r *ResilientQueueRepository) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	return r.g.run(ctx, "enqueue", func(ctx context.Context) error {
		return r.next.Enqueue(ctx, entry)
	})
}

func (r *ResilientQueueRepository) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	var entry *domain.QueueEntry
	err := r.g.run(ctx, "get", func(ctx context.Context) error {
		var err error
		entry, err = r.next.Get(ctx, id)
		return err
	})
	return entry, err
}

func (r *ResilientQueueRepository) ListOldest(ctx context.Context, limit int) ([]*domain.QueueEntry, error) {
	var entries []*domain.QueueEntry
	err := r.g.run(ctx, "list_oldest", func(ctx context.Context) error {
		var err error
		entries, err = r.next.ListOldest(ctx, limit)
		return err
	})
	return entries, err
}

func (r *ResilientQueueRepository) Update(ctx context.Context, entry *domain.QueueEntry) error {
	return r.g.run(ctx, "update", func(ctx context.Context) error {
		return r.next.Update(ctx, entry)
	})
}

func (r *ResilientQueueRepository) Delete(ctx context.Context, id string) error {
	return r.g.run(ctx, "delete", func(ctx context.Context) error {
		return r.next.Delete(ctx, id)
	})
}

var (
	_ InventoryRepository = (*ResilientInventoryRepository)(nil)
	_ BookingRepository   = (*ResilientBookingRepository)(nil)
	_ QueueRepository     = (*ResilientQueueRepository)(nil)
)
