package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fixture struct {
	inventory *repository.MemoryInventoryRepository
	bookings  *repository.MemoryBookingRepository
	ledger    *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inventory := repository.NewMemoryInventoryRepository(nil)
	bookings := repository.NewMemoryBookingRepository()
	return &fixture{
		inventory: inventory,
		bookings:  bookings,
		ledger: New(inventory, bookings, &Config{
			BufferWindow:     60 * time.Minute,
			DeliveryCapacity: 1,
		}),
	}
}

func (f *fixture) stock(t *testing.T, resourceID string, quantities ...int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.inventory.CreateResource(ctx, &domain.Resource{
		ID: resourceID, Category: domain.CategoryCountable, TotalQuantity: 100,
	}))
	for i, q := range quantities {
		_, err := f.ledger.Restock(ctx, resourceID, q, day.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
}

func (f *fixture) book(t *testing.T, resourceID string, qty int, window domain.Window, delivery *domain.Window) *domain.Booking {
	t.Helper()
	b := domain.NewConfirmedBooking(&domain.BookingRequest{
		ResourceID:     resourceID,
		RequesterID:    "user-1",
		Quantity:       qty,
		Window:         window,
		DeliveryWindow: delivery,
	}, nil, day)
	require.NoError(t, f.bookings.Create(context.Background(), b))
	return b
}

func TestDeduct_ConsumesFIFO(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 3, 5)
	ctx := context.Background()

	batches, err := f.inventory.ListBatches(ctx, "chairs")
	require.NoError(t, err)

	d, err := f.ledger.Deduct(ctx, "chairs", 4, domain.ReasonBooking, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, "booking-1", d.ID)
	require.Len(t, d.Fragments, 2)
	assert.Equal(t, domain.Fragment{BatchID: batches[0].ID, Quantity: 3}, d.Fragments[0])
	assert.Equal(t, domain.Fragment{BatchID: batches[1].ID, Quantity: 1}, d.Fragments[1])
	assert.Equal(t, 4, d.BalanceAfter)

	txns, err := f.inventory.ListTransactions(ctx, "chairs", 1)
	require.NoError(t, err)
	assert.Equal(t, -4, txns[0].Delta)
	assert.Equal(t, domain.ReasonBooking, txns[0].Reason)
}

func TestDeduct_Insufficient(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 2)

	_, err := f.ledger.Deduct(context.Background(), "chairs", 3, domain.ReasonBooking, "")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.ledger.Deduct(context.Background(), "chairs", 0, domain.ReasonBooking, "")
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	total, err := f.ledger.Balance(context.Background(), "chairs")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestDeduct_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 4, 3, 3)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Deduct(ctx, "chairs", 1, domain.ReasonBooking, ""); err == nil {
				mu.Lock()
				confirmed++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	// a drifted plan fails rather than oversells, so some callers may lose while stock remains
	total, err := f.ledger.Balance(ctx, "chairs")
	require.NoError(t, err)
	assert.LessOrEqual(t, confirmed, 10)
	assert.GreaterOrEqual(t, total, 0)
	assert.Equal(t, 10, confirmed+total)

	txns, err := f.inventory.ListTransactions(ctx, "chairs", 0)
	require.NoError(t, err)
	assert.Len(t, txns, 3+confirmed)
}

func TestRestore_SymmetricAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 2, 2)
	ctx := context.Background()

	d, err := f.ledger.Deduct(ctx, "chairs", 3, domain.ReasonBooking, "")
	require.NoError(t, err)

	require.NoError(t, f.ledger.Restore(ctx, d, domain.ReasonCancellation))
	require.NoError(t, f.ledger.Restore(ctx, d, domain.ReasonCancellation))
	require.NoError(t, f.ledger.Restore(ctx, nil, domain.ReasonCancellation))

	total, err := f.ledger.Balance(ctx, "chairs")
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	batches, err := f.inventory.ListBatches(ctx, "chairs")
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, b.Quantity, b.Remaining, "batch %s restored exactly", b.ID)
	}

	txns, err := f.inventory.ListTransactions(ctx, "chairs", 0)
	require.NoError(t, err)
	assert.Len(t, txns, 4, "two restocks, one deduction, one restore")
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 5)
	ctx := context.Background()

	d, err := f.ledger.Deduct(ctx, "chairs", 2, domain.ReasonBooking, "committed")
	require.NoError(t, err)

	restored, err := f.ledger.Reconcile(ctx, d.ID, domain.ReasonCancellation)
	require.NoError(t, err)
	assert.True(t, restored)

	restored, err = f.ledger.Reconcile(ctx, d.ID, domain.ReasonCancellation)
	require.NoError(t, err)
	assert.False(t, restored, "second reconcile finds it already restored")

	restored, err = f.ledger.Reconcile(ctx, "never-written", domain.ReasonCancellation)
	require.NoError(t, err)
	assert.False(t, restored)

	total, err := f.ledger.Balance(ctx, "chairs")
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	require.NoError(t, f.ledger.Restore(ctx, &domain.Deduction{ID: "never-written", ResourceID: "chairs", Quantity: 3},
		domain.ReasonCancellation), "restoring an unapplied deduction is a no-op")
	total, err = f.ledger.Balance(ctx, "chairs")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestCapacity_GrowsWithRestock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := &domain.Resource{ID: "plates", Category: domain.CategoryCountable, TotalQuantity: 10}
	require.NoError(t, f.inventory.CreateResource(ctx, res))

	capacity, err := f.ledger.Capacity(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 10, capacity, "declared total until batches exceed it")

	_, err = f.ledger.Restock(ctx, "plates", 30, day)
	require.NoError(t, err)
	d, err := f.ledger.Deduct(ctx, "plates", 25, domain.ReasonBooking, "")
	require.NoError(t, err)
	require.NotNil(t, d)

	capacity, err = f.ledger.Capacity(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 30, capacity, "consumed stock still counts")

	truck := &domain.Resource{ID: "truck", Category: domain.CategoryTimeBound, TotalQuantity: 2}
	capacity, err = f.ledger.Capacity(ctx, truck)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity)
}

func TestCheckAvailable_Countable(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "chairs", 3)
	res := &domain.Resource{ID: "chairs", Category: domain.CategoryCountable, TotalQuantity: 100}

	avail, err := f.ledger.CheckAvailable(context.Background(), res, 3, domain.Window{})
	require.NoError(t, err)
	assert.True(t, avail.OK)
	assert.Equal(t, 3, avail.AvailableQty)

	avail, err = f.ledger.CheckAvailable(context.Background(), res, 4, domain.Window{})
	require.NoError(t, err)
	assert.False(t, avail.OK)
	assert.Nil(t, avail.NextAvailableAt)
}

func TestCheckAvailable_TimeBoundBuffer(t *testing.T) {
	f := newFixture(t)
	res := &domain.Resource{ID: "truck", Category: domain.CategoryTimeBound, TotalQuantity: 1}
	f.book(t, "truck", 1, domain.Window{Start: at(10, 0), End: at(14, 0)}, nil)
	ctx := context.Background()

	avail, err := f.ledger.CheckAvailable(ctx, res, 1, domain.Window{Start: at(14, 30), End: at(16, 0)})
	require.NoError(t, err)
	assert.False(t, avail.OK)
	require.NotNil(t, avail.NextAvailableAt)
	assert.Equal(t, at(15, 0), *avail.NextAvailableAt)

	avail, err = f.ledger.CheckAvailable(ctx, res, 1, domain.Window{Start: at(15, 1), End: at(16, 0)})
	require.NoError(t, err)
	assert.True(t, avail.OK)

	t.Run("buffer trails the request too", func(t *testing.T) {
		avail, err := f.ledger.CheckAvailable(ctx, res, 1, domain.Window{Start: at(7, 0), End: at(9, 30)})
		require.NoError(t, err)
		assert.False(t, avail.OK)

		avail, err = f.ledger.CheckAvailable(ctx, res, 1, domain.Window{Start: at(7, 0), End: at(9, 0)})
		require.NoError(t, err)
		assert.True(t, avail.OK)
	})
}

func TestCheckAvailable_TimeBoundCapacity(t *testing.T) {
	f := newFixture(t)
	res := &domain.Resource{ID: "tents", Category: domain.CategoryTimeBound, TotalQuantity: 5}
	f.book(t, "tents", 2, domain.Window{Start: at(9, 0), End: at(12, 0)}, nil)
	f.book(t, "tents", 1, domain.Window{Start: at(11, 0), End: at(13, 0)}, nil)
	late := f.book(t, "tents", 2, domain.Window{Start: at(18, 0), End: at(20, 0)}, nil)

	avail, err := f.ledger.CheckAvailable(context.Background(), res, 2, domain.Window{Start: at(10, 0), End: at(11, 30)})
	require.NoError(t, err)
	assert.True(t, avail.OK)
	assert.Equal(t, 2, avail.AvailableQty)

	avail, err = f.ledger.CheckAvailable(context.Background(), res, 3, domain.Window{Start: at(10, 0), End: at(11, 30)})
	require.NoError(t, err)
	assert.False(t, avail.OK)
	assert.Equal(t, at(13, 0), *avail.NextAvailableAt, "earliest buffered release")

	late.Status = domain.BookingStatusCancelled
	require.NoError(t, f.bookings.Update(context.Background(), late))
	avail, err = f.ledger.CheckAvailable(context.Background(), res, 5, domain.Window{Start: at(18, 0), End: at(19, 0)})
	require.NoError(t, err)
	assert.True(t, avail.OK, "cancelled bookings free their window")
}

func TestCheckDeliverySlot(t *testing.T) {
	f := newFixture(t)
	delivery := domain.Window{Start: at(12, 0), End: at(14, 0)}
	f.book(t, "generator", 1, domain.Window{Start: at(14, 0), End: at(20, 0)}, &delivery)
	ctx := context.Background()

	avail, err := f.ledger.CheckDeliverySlot(ctx, domain.Window{Start: at(14, 30), End: at(15, 0)})
	require.NoError(t, err)
	assert.False(t, avail.OK)
	assert.Equal(t, at(15, 0), *avail.NextAvailableAt)

	avail, err = f.ledger.CheckDeliverySlot(ctx, domain.Window{Start: at(15, 1), End: at(16, 0)})
	require.NoError(t, err)
	assert.True(t, avail.OK)
}

func TestPlanFIFO(t *testing.T) {
	batches := []*domain.Batch{
		{ID: "a", Remaining: 2},
		{ID: "b", Remaining: 0},
		{ID: "c", Remaining: 5},
	}

	fragments, ok := planFIFO(batches, 4)
	assert.True(t, ok)
	assert.Equal(t, []domain.Fragment{{BatchID: "a", Quantity: 2}, {BatchID: "c", Quantity: 2}}, fragments)

	_, ok = planFIFO(batches, 8)
	assert.False(t, ok)
}
