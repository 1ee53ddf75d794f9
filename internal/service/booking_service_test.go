package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/ledger"
	"github.com/prohmpiriya/booking-core/internal/lock"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

// recordingPublisher is a mock EventPublisher for testing
type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) count(t domain.EventType) int {
	n := 0
	for _, et := range p.types() {
		if et == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	inventory *repository.MemoryInventoryRepository
	bookings  *repository.MemoryBookingRepository
	queue     *repository.MemoryQueueRepository
	locks     *lock.MemoryLockManager
	ledger    *ledger.Ledger
	events    *recordingPublisher
	admission *AdmissionService
	service   BookingService
}

func newTestEnv(t *testing.T, policy QueuePolicy) *testEnv {
	t.Helper()
	now := func() time.Time { return testNow }

	env := &testEnv{
		inventory: repository.NewMemoryInventoryRepository(now),
		bookings:  repository.NewMemoryBookingRepository(),
		queue:     repository.NewMemoryQueueRepository(),
		locks:     lock.NewMemoryLockManager(nil),
		events:    &recordingPublisher{},
	}
	env.ledger = ledger.New(env.inventory, env.bookings, &ledger.Config{
		BufferWindow:     60 * time.Minute,
		DeliveryCapacity: 1,
		Now:              now,
	})
	if policy == nil {
		policy = &DefaultQueuePolicy{
			Categories: []domain.Category{domain.CategoryTimeBound, domain.CategoryCountable},
			MaxHorizon: 90 * 24 * time.Hour,
			Now:        now,
		}
	}
	log := logger.NewNop()
	env.admission = NewAdmissionService(env.inventory, env.bookings, env.locks, env.ledger, policy, env.events, log, &AdmissionConfig{
		LockTTL: 5 * time.Second,
		Now:     now,
	})
	env.service = NewBookingService(env.admission, env.inventory, env.bookings, env.queue, env.locks, env.ledger, env.events, log, &BookingServiceConfig{
		QueueEntryTTL: time.Hour,
		LockTTL:       5 * time.Second,
		LockRetry: &retry.Config{
			MaxRetries:      50,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      1.5,
			JitterFactor:    0.5,
		},
		Now: now,
	})
	return env
}

func (env *testEnv) countable(t *testing.T, id string, replenishable bool, stock ...int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.inventory.CreateResource(ctx, &domain.Resource{
		ID:                id,
		Name:              id,
		Category:          domain.CategoryCountable,
		TotalQuantity:     10,
		Replenishable:     replenishable,
		LowStockThreshold: 0,
	}))
	for i, q := range stock {
		_, err := env.ledger.Restock(ctx, id, q, testNow.Add(-time.Duration(len(stock)-i)*time.Hour))
		require.NoError(t, err)
	}
}

func (env *testEnv) timeBound(t *testing.T, id string, delivery bool) {
	t.Helper()
	require.NoError(t, env.inventory.CreateResource(context.Background(), &domain.Resource{
		ID:               id,
		Name:             id,
		Category:         domain.CategoryTimeBound,
		TotalQuantity:    1,
		DeliveryRequired: delivery,
	}))
}

func stockRequest(resourceID, requester string, qty int) *domain.BookingRequest {
	return &domain.BookingRequest{
		ResourceID:  resourceID,
		RequesterID: requester,
		Quantity:    qty,
		Window:      domain.Window{Start: at(10, 0), End: at(12, 0)},
	}
}

func TestSubmitBooking_ConcurrentRequestsNeverOversell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 3)
	ctx := context.Background()

	const requests = 4
	var wg sync.WaitGroup
	results := make([]*SubmitResult, requests)
	errs := make([]error, requests)
	start := make(chan struct{})
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.service.SubmitBooking(ctx, stockRequest("tents", fmt.Sprintf("user-%d", i), 1))
		}(i)
	}
	close(start)
	wg.Wait()

	var confirmed int
	var queued []*SubmitResult
	for i := range results {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeConfirmed:
			confirmed++
		case OutcomeQueued:
			queued = append(queued, results[i])
		default:
			t.Fatalf("unexpected outcome %s: %v", results[i].Outcome, results[i].Reason)
		}
	}
	assert.Equal(t, 3, confirmed)
	require.Len(t, queued, 1)
	assert.ErrorIs(t, queued[0].Reason, domain.ErrInsufficientStock)
	require.NotEmpty(t, queued[0].QueueEntryID)

	balance, err := env.ledger.Balance(ctx, "tents")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)

	entry, err := env.queue.Get(ctx, queued[0].QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), entry.ExpiresAt)

	assert.Equal(t, 3, env.events.count(domain.EventBookingConfirmed))
	assert.Equal(t, 1, env.events.count(domain.EventBookingQueued))
	assert.Equal(t, 1, env.events.count(domain.EventInventoryLow))
}

func TestSubmitBooking_NonReplenishableRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "flyers", false, 1)
	ctx := context.Background()

	first, err := env.service.SubmitBooking(ctx, stockRequest("flyers", "user", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, first.Outcome)

	second, err := env.service.SubmitBooking(ctx, stockRequest("flyers", "user", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, second.Outcome)
	assert.ErrorIs(t, second.Reason, domain.ErrInsufficientStock)
	assert.Empty(t, second.QueueEntryID)
	assert.Equal(t, 1, env.events.count(domain.EventBookingRejected))
}

func TestSubmitBooking_ValidationRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 3)
	require.NoError(t, env.inventory.CreateResource(context.Background(), &domain.Resource{
		ID: "stage", Category: domain.CategoryTimeBound, TotalQuantity: 1, LeadTime: 48 * time.Hour,
	}))
	env.timeBound(t, "truck-rental", true)

	tests := []struct {
		name    string
		req     *domain.BookingRequest
		wantErr error
	}{
		{
			name:    "zero quantity",
			req:     stockRequest("tents", "user", 0),
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name: "inverted window",
			req: &domain.BookingRequest{
				ResourceID: "tents", RequesterID: "user", Quantity: 1,
				Window: domain.Window{Start: at(12, 0), End: at(10, 0)},
			},
			wantErr: domain.ErrInvalidWindow,
		},
		{
			name: "window in the past",
			req: &domain.BookingRequest{
				ResourceID: "tents", RequesterID: "user", Quantity: 1,
				Window: domain.Window{Start: at(6, 0), End: at(7, 0)},
			},
			wantErr: domain.ErrInvalidWindow,
		},
		{
			name:    "unknown resource",
			req:     stockRequest("ghost", "user", 1),
			wantErr: domain.ErrResourceNotFound,
		},
		{
			name:    "exceeds capacity",
			req:     stockRequest("tents", "user", 11),
			wantErr: domain.ErrExceedsCapacity,
		},
		{
			name:    "inside lead time",
			req:     stockRequest("stage", "user", 1),
			wantErr: domain.ErrLeadTimeNotMet,
		},
		{
			name:    "missing delivery window",
			req:     stockRequest("truck-rental", "user", 1),
			wantErr: domain.ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := env.service.SubmitBooking(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, result.Outcome)
			assert.ErrorIs(t, result.Reason, tt.wantErr)
		})
	}
}

func TestSubmitBooking_DeliveryBuffer(t *testing.T) {
	env := newTestEnv(t, QueuePolicyFunc(func(*domain.Resource, *domain.BookingRequest, *domain.Availability) bool {
		return false
	}))
	env.timeBound(t, "speaker-a", true)
	env.timeBound(t, "speaker-b", true)
	env.timeBound(t, "speaker-c", true)
	ctx := context.Background()

	deliver := func(resourceID string, start, end time.Time) *domain.BookingRequest {
		return &domain.BookingRequest{
			ResourceID:     resourceID,
			RequesterID:    "user",
			Quantity:       1,
			Window:         domain.Window{Start: at(16, 0), End: at(18, 0)},
			DeliveryWindow: &domain.Window{Start: start, End: end},
		}
	}

	first, err := env.service.SubmitBooking(ctx, deliver("speaker-a", at(13, 0), at(14, 0)))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, first.Outcome)

	busy, err := env.service.SubmitBooking(ctx, deliver("speaker-b", at(14, 30), at(15, 0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, busy.Outcome)
	assert.ErrorIs(t, busy.Reason, domain.ErrSlotUnavailable)
	assert.Nil(t, busy.Booking)

	free, err := env.service.SubmitBooking(ctx, deliver("speaker-c", at(15, 1), at(15, 30)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, free.Outcome)
}

func TestSubmitBooking_TimeBoundQueuedOnConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.timeBound(t, "stage", false)
	ctx := context.Background()

	first, err := env.service.SubmitBooking(ctx, stockRequest("stage", "user-1", 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, first.Outcome)
	assert.Nil(t, first.Booking.Deduction)

	second, err := env.service.SubmitBooking(ctx, stockRequest("stage", "user-2", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, second.Outcome)
	assert.ErrorIs(t, second.Reason, domain.ErrSlotUnavailable)

	entry, err := env.queue.Get(ctx, second.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrSlotUnavailable.Error(), entry.LastError)
}

func TestSubmitBooking_LockHeldElsewhereQueues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 3)
	ctx := context.Background()

	lease, err := env.locks.Acquire(ctx, lock.StockKey("tents"), "other-process", 10*time.Second)
	require.NoError(t, err)
	defer env.locks.Release(ctx, lease)

	result, err := env.service.SubmitBooking(ctx, stockRequest("tents", "user", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, result.Outcome)
	assert.ErrorIs(t, result.Reason, domain.ErrLockBusy)

	balance, err := env.ledger.Balance(ctx, "tents")
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
}

func TestCancelBooking(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 2)
	ctx := context.Background()

	result, err := env.service.SubmitBooking(ctx, stockRequest("tents", "owner", 2))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, result.Outcome)
	id := result.Booking.ID

	assert.ErrorIs(t, env.service.CancelBooking(ctx, "missing", "owner"), domain.ErrBookingNotFound)
	assert.ErrorIs(t, env.service.CancelBooking(ctx, id, "intruder"), domain.ErrNotOwner)

	require.NoError(t, env.service.CancelBooking(ctx, id, "owner"))
	require.NoError(t, env.service.CancelBooking(ctx, id, "owner"))

	balance, err := env.ledger.Balance(ctx, "tents")
	require.NoError(t, err)
	assert.Equal(t, 2, balance)

	booking, err := env.service.GetBooking(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, booking.Status)
	require.NotNil(t, booking.CancelledAt)
	assert.Equal(t, testNow, *booking.CancelledAt)

	txns, err := env.service.ListTransactions(ctx, "tents", 10)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, domain.ReasonCancellation, txns[0].Reason)
	assert.Equal(t, 2, txns[0].Delta)

	assert.Equal(t, 1, env.events.count(domain.EventBookingCancelled))
}

func TestCancelBooking_WaitsForLock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 1)
	ctx := context.Background()

	result, err := env.service.SubmitBooking(ctx, stockRequest("tents", "owner", 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, result.Outcome)

	lease, err := env.locks.Acquire(ctx, lock.StockKey("tents"), "other", 10*time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		env.locks.Release(context.Background(), lease)
	}()

	require.NoError(t, env.service.CancelBooking(ctx, result.Booking.ID, "owner"))
	balance, err := env.ledger.Balance(ctx, "tents")
	require.NoError(t, err)
	assert.Equal(t, 1, balance)
}

func TestCancelBooking_CompletedRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.timeBound(t, "stage", false)
	ctx := context.Background()

	result, err := env.service.SubmitBooking(ctx, stockRequest("stage", "owner", 1))
	require.NoError(t, err)
	require.NoError(t, env.service.CompleteBooking(ctx, result.Booking.ID))

	assert.ErrorIs(t, env.service.CancelBooking(ctx, result.Booking.ID, "owner"), domain.ErrInvalidStatusTransition)
	assert.ErrorIs(t, env.service.CompleteBooking(ctx, result.Booking.ID), domain.ErrInvalidStatusTransition)
}

func TestCancelQueueEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true)
	ctx := context.Background()

	result, err := env.service.SubmitBooking(ctx, stockRequest("tents", "owner", 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, result.Outcome)

	assert.ErrorIs(t, env.service.CancelQueueEntry(ctx, result.QueueEntryID, "intruder"), domain.ErrNotOwner)
	require.NoError(t, env.service.CancelQueueEntry(ctx, result.QueueEntryID, "owner"))
	assert.ErrorIs(t, env.service.CancelQueueEntry(ctx, result.QueueEntryID, "owner"), domain.ErrQueueEntryNotFound)

	entries, err := env.queue.ListOldest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdatePaymentStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.timeBound(t, "stage", false)
	ctx := context.Background()

	result, err := env.service.SubmitBooking(ctx, stockRequest("stage", "owner", 1))
	require.NoError(t, err)
	id := result.Booking.ID

	assert.ErrorIs(t, env.service.UpdatePaymentStatus(ctx, id, domain.PaymentStatusUnpaid), domain.ErrInvalidPaymentTransition)
	assert.ErrorIs(t, env.service.UpdatePaymentStatus(ctx, "missing", domain.PaymentStatusPaid), domain.ErrBookingNotFound)

	require.NoError(t, env.service.UpdatePaymentStatus(ctx, id, domain.PaymentStatusPaid))
	booking, err := env.service.GetBooking(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, booking.PaymentStatus)

	require.NoError(t, env.service.CancelBooking(ctx, id, "owner"))
	assert.ErrorIs(t, env.service.UpdatePaymentStatus(ctx, id, domain.PaymentStatusFailed), domain.ErrInvalidPaymentTransition)
}

func TestGetAvailabilityAndRestock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.countable(t, "tents", true, 1)
	env.timeBound(t, "stage", false)
	ctx := context.Background()

	avail, err := env.service.GetAvailability(ctx, "tents", 2, domain.Window{Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)
	assert.False(t, avail.OK)
	assert.Equal(t, 1, avail.AvailableQty)

	txn, err := env.service.Restock(ctx, "tents", 4, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, txn.BalanceAfter)
	assert.Equal(t, domain.ReasonManualAdjustment, txn.Reason)

	avail, err = env.service.GetAvailability(ctx, "tents", 2, domain.Window{Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)
	assert.True(t, avail.OK)

	_, err = env.service.Restock(ctx, "stage", 1, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = env.service.Restock(ctx, "ghost", 1, time.Time{})
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	_, err = env.service.GetAvailability(ctx, "tents", 0, domain.Window{Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestDefaultQueuePolicy(t *testing.T) {
	now := func() time.Time { return testNow }
	countable := &domain.Resource{Category: domain.CategoryCountable, Replenishable: true}
	finite := &domain.Resource{Category: domain.CategoryCountable}
	slot := &domain.Resource{Category: domain.CategoryTimeBound}

	soon := &domain.BookingRequest{Window: domain.Window{Start: at(10, 0), End: at(11, 0)}}
	far := &domain.BookingRequest{Window: domain.Window{Start: testNow.Add(200 * 24 * time.Hour), End: testNow.Add(201 * 24 * time.Hour)}}

	p := &DefaultQueuePolicy{
		Categories: []domain.Category{domain.CategoryCountable},
		MaxHorizon: 90 * 24 * time.Hour,
		Now:        now,
	}
	assert.True(t, p.ShouldQueue(countable, soon, nil))
	assert.False(t, p.ShouldQueue(finite, soon, nil))
	assert.False(t, p.ShouldQueue(slot, soon, nil))
	assert.False(t, p.ShouldQueue(countable, far, nil))

	p.QueueNonReplenishable = true
	p.MaxHorizon = 0
	assert.True(t, p.ShouldQueue(finite, soon, nil))
	assert.True(t, p.ShouldQueue(countable, far, nil))
}
