package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
)

// MemoryInventoryRepository is an in-process InventoryRepository for tests and single-node development
type MemoryInventoryRepository struct {
	mu           sync.Mutex
	resources    map[string]domain.Resource
	batches      map[string]*domain.Batch
	transactions []domain.InventoryTransaction
	references   map[string]struct{}
	deductions   map[string]domain.Deduction
	now          func() time.Time
}

// NewMemoryInventoryRepository creates an empty repository; a nil clock uses time.Now
func NewMemoryInventoryRepository(now func() time.Time) *MemoryInventoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryInventoryRepository{
		resources:  make(map[string]domain.Resource),
		batches:    make(map[string]*domain.Batch),
		references: make(map[string]struct{}),
		deductions: make(map[string]domain.Deduction),
		now:        now,
	}
}

func (r *MemoryInventoryRepository) CreateResource(ctx context.Context, resource *domain.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[resource.ID] = *resource
	return nil
}

func (r *MemoryInventoryRepository) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[id]
	if !ok {
		return nil, domain.ErrResourceNotFound
	}
	return &res, nil
}

func (r *MemoryInventoryRepository) ListBatches(ctx context.Context, resourceID string) ([]*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Batch
	for _, b := range r.batches {
		if b.ResourceID == resourceID && b.Remaining > 0 {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBatchesFIFO(out)
	return out, nil
}

func (r *MemoryInventoryRepository) Balance(ctx context.Context, resourceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceLocked(resourceID), nil
}

func (r *MemoryInventoryRepository) AcquiredQuantity(ctx context.Context, resourceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, b := range r.batches {
		if b.ResourceID == resourceID {
			total += b.Quantity
		}
	}
	return total, nil
}

func (r *MemoryInventoryRepository) balanceLocked(resourceID string) int {
	total := 0
	for _, b := range r.batches {
		if b.ResourceID == resourceID {
			total += b.Remaining
		}
	}
	return total
}

func (r *MemoryInventoryRepository) ApplyDeduction(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// validate every fragment before mutating so a drift leaves no partial write
	for _, f := range d.Fragments {
		b, ok := r.batches[f.BatchID]
		if !ok || b.ResourceID != d.ResourceID || b.Remaining < f.Quantity {
			return nil, domain.ErrInsufficientStock
		}
	}
	if _, dup := r.references[d.ID]; dup {
		return nil, fmt.Errorf("deduction %s already applied", d.ID)
	}
	for _, f := range d.Fragments {
		r.batches[f.BatchID].Remaining -= f.Quantity
	}

	txn := r.appendLocked(d.ResourceID, -d.Quantity, reason, d.ID)
	stored := *d
	stored.Fragments = append([]domain.Fragment(nil), d.Fragments...)
	stored.BalanceAfter = txn.BalanceAfter
	r.deductions[d.ID] = stored
	return txn, nil
}

func (r *MemoryInventoryRepository) GetDeduction(ctx context.Context, id string) (*domain.Deduction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deductions[id]
	if !ok {
		return nil, domain.ErrDeductionNotFound
	}
	d.Fragments = append([]domain.Fragment(nil), d.Fragments...)
	return &d, nil
}

func (r *MemoryInventoryRepository) ApplyRestore(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied, ok := r.deductions[d.ID]
	if !ok {
		return nil, domain.ErrDeductionNotFound
	}
	ref := domain.RestoreReference(d.ID)
	if _, done := r.references[ref]; done {
		return nil, domain.ErrAlreadyRestored
	}
	for _, f := range applied.Fragments {
		if b, ok := r.batches[f.BatchID]; ok {
			b.Remaining += f.Quantity
		}
	}

	return r.appendLocked(applied.ResourceID, applied.Quantity, reason, ref), nil
}

func (r *MemoryInventoryRepository) AddBatch(ctx context.Context, batch *domain.Batch, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *batch
	r.batches[batch.ID] = &cp
	return r.appendLocked(batch.ResourceID, batch.Quantity, reason, batch.ID), nil
}

func (r *MemoryInventoryRepository) appendLocked(resourceID string, delta int, reason domain.TransactionReason, ref string) *domain.InventoryTransaction {
	txn := domain.InventoryTransaction{
		ID:           uuid.New().String(),
		ResourceID:   resourceID,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: r.balanceLocked(resourceID),
		ReferenceID:  ref,
		CreatedAt:    r.now(),
	}
	r.transactions = append(r.transactions, txn)
	r.references[ref] = struct{}{}
	return &txn
}

func (r *MemoryInventoryRepository) ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.InventoryTransaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].ResourceID != resourceID {
			continue
		}
		txn := r.transactions[i]
		out = append(out, &txn)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryBookingRepository is an in-process BookingRepository
type MemoryBookingRepository struct {
	mu       sync.RWMutex
	bookings map[string]domain.Booking
}

// NewMemoryBookingRepository creates an empty repository
func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[string]domain.Booking)}
}

func (r *MemoryBookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[booking.ID]; ok {
		return domain.ErrBookingExists
	}
	r.bookings[booking.ID] = *booking
	return nil
}

func (r *MemoryBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	return &b, nil
}

func (r *MemoryBookingRepository) Update(ctx context.Context, booking *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[booking.ID]; !ok {
		return domain.ErrBookingNotFound
	}
	r.bookings[booking.ID] = *booking
	return nil
}

func (r *MemoryBookingRepository) ListActiveInRange(ctx context.Context, resourceID string, from, to time.Time) ([]*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	span := domain.Window{Start: from, End: to}
	var out []*domain.Booking
	for _, b := range r.bookings {
		if b.ResourceID == resourceID && b.IsActive() && b.Window.Overlaps(span) {
			cp := b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryBookingRepository) ListActiveDeliveriesInRange(ctx context.Context, from, to time.Time) ([]*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	span := domain.Window{Start: from, End: to}
	var out []*domain.Booking
	for _, b := range r.bookings {
		if b.DeliveryWindow != nil && b.IsActive() && b.DeliveryWindow.Overlaps(span) {
			cp := b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryQueueRepository is an in-process QueueRepository
type MemoryQueueRepository struct {
	mu      sync.Mutex
	entries map[string]domain.QueueEntry
}

// NewMemoryQueueRepository creates an empty queue
func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{entries: make(map[string]domain.QueueEntry)}
}

func (r *MemoryQueueRepository) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = *entry
	return nil
}

func (r *MemoryQueueRepository) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrQueueEntryNotFound
	}
	return &e, nil
}

func (r *MemoryQueueRepository) ListOldest(ctx context.Context, limit int) ([]*domain.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.QueueEntry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := e
		out = append(out, &cp)
	}
	sortQueueFIFO(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryQueueRepository) Update(ctx context.Context, entry *domain.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.ID]; !ok {
		return domain.ErrQueueEntryNotFound
	}
	r.entries[entry.ID] = *entry
	return nil
}

func (r *MemoryQueueRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return domain.ErrQueueEntryNotFound
	}
	delete(r.entries, id)
	return nil
}

func sortBatchesFIFO(batches []*domain.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].AcquiredAt.Equal(batches[j].AcquiredAt) {
			return batches[i].AcquiredAt.Before(batches[j].AcquiredAt)
		}
		return batches[i].ID < batches[j].ID
	})
}

func sortQueueFIFO(entries []*domain.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

var (
	_ InventoryRepository = (*MemoryInventoryRepository)(nil)
	_ BookingRepository   = (*MemoryBookingRepository)(nil)
	_ QueueRepository     = (*MemoryQueueRepository)(nil)
)
