package repository

import (
	"context"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
)

// InventoryRepository stores resources, stock batches and the inventory transaction log
type InventoryRepository interface {
	// CreateResource inserts a resource
	CreateResource(ctx context.Context, resource *domain.Resource) error

	// GetResource returns domain.ErrResourceNotFound for unknown ids
	GetResource(ctx context.Context, id string) (*domain.Resource, error)

	// ListBatches returns batches with stock left, oldest AcquiredAt first
	ListBatches(ctx context.Context, resourceID string) ([]*domain.Batch, error)

	// Balance sums the remaining quantity of every batch
	Balance(ctx context.Context, resourceID string) (int, error)

	// AcquiredQuantity sums the original quantity of every batch, depleted ones included
	AcquiredQuantity(ctx context.Context, resourceID string) (int, error)

	// ApplyDeduction consumes every fragment with a conditional update and appends one
	// negative transaction, atomically. If any batch no longer holds its fragment
	// nothing is written and domain.ErrInsufficientStock is returned.
	ApplyDeduction(ctx context.Context, deduction *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error)

	// GetDeduction returns the deduction recorded under id, or domain.ErrDeductionNotFound
	GetDeduction(ctx context.Context, id string) (*domain.Deduction, error)

	// ApplyRestore returns the fragments recorded with the deduction and appends one positive
	// transaction referenced by domain.RestoreReference, atomically. A deduction that was never
	// applied returns domain.ErrDeductionNotFound; a second restore returns domain.ErrAlreadyRestored.
	ApplyRestore(ctx context.Context, deduction *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error)

	// AddBatch inserts a batch and appends a positive transaction referencing it
	AddBatch(ctx context.Context, batch *domain.Batch, reason domain.TransactionReason) (*domain.InventoryTransaction, error)

	// ListTransactions returns the newest transactions first
	ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error)
}

// BookingRepository stores bookings
type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error

	// GetByID returns domain.ErrBookingNotFound for unknown ids
	GetByID(ctx context.Context, id string) (*domain.Booking, error)

	// Update persists status, payment status and timestamps
	Update(ctx context.Context, booking *domain.Booking) error

	// ListActiveInRange returns pending or confirmed bookings of a resource whose window
	// intersects [from, to)
	ListActiveInRange(ctx context.Context, resourceID string, from, to time.Time) ([]*domain.Booking, error)

	// ListActiveDeliveriesInRange returns pending or confirmed bookings of any resource whose
	// delivery window intersects [from, to)
	ListActiveDeliveriesInRange(ctx context.Context, from, to time.Time) ([]*domain.Booking, error)
}

// QueueRepository stores the reservation queue
type QueueRepository interface {
	Enqueue(ctx context.Context, entry *domain.QueueEntry) error

	// Get returns domain.ErrQueueEntryNotFound for unknown ids
	Get(ctx context.Context, id string) (*domain.QueueEntry, error)

	// ListOldest returns up to limit entries by EnqueuedAt ascending, ties broken by ID
	ListOldest(ctx context.Context, limit int) ([]*domain.QueueEntry, error)

	// Update persists Attempts and LastError
	Update(ctx context.Context, entry *domain.QueueEntry) error

	// Delete returns domain.ErrQueueEntryNotFound if the entry is already gone
	Delete(ctx context.Context, id string) error
}
