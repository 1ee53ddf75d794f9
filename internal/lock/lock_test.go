package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/circuitbreaker"
	pkgredis "github.com/prohmpiriya/booking-core/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "resource:r1:2026-03-10", ResourceKey("r1", "2026-03-10"))
	assert.Equal(t, "resource:r1", StockKey("r1"))
	assert.Equal(t, "delivery-slot:2026-03-10", DeliverySlotKey("2026-03-10"))
	assert.Equal(t, "queue-entry:e1", QueueEntryKey("e1"))
}

func TestMemoryLockManager_MutualExclusion(t *testing.T) {
	m := NewMemoryLockManager(nil)
	ctx := context.Background()

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Acquire(ctx, "resource:r1", fmt.Sprintf("holder-%d", i), time.Second)
			if err == nil {
				atomic.AddInt32(&granted, 1)
			} else {
				assert.ErrorIs(t, err, domain.ErrLockBusy)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted)
}

func TestMemoryLockManager_ExpiresStrictlyAfterTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLockManager(clock.Now)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "k", "a", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Second), lease.ExpiresAt)

	clock.Advance(15*time.Second - time.Millisecond)
	_, err = m.Acquire(ctx, "k", "b", 15*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockBusy)

	clock.Advance(2 * time.Millisecond)
	second, err := m.Acquire(ctx, "k", "b", 15*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, second.Token)

	// the stale lease may neither renew nor release the new holder's key
	_, err = m.Renew(ctx, lease, 15*time.Second)
	assert.ErrorIs(t, err, domain.ErrLeaseExpired)
	require.NoError(t, m.Release(ctx, lease))
	_, err = m.Acquire(ctx, "k", "c", 15*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockBusy)
}

func TestMemoryLockManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewMemoryLockManager(nil)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "k", "a", time.Second)
	require.NoError(t, err)

	assert.NoError(t, m.Release(ctx, lease))
	assert.NoError(t, m.Release(ctx, lease))
	assert.NoError(t, m.Release(ctx, nil))

	_, err = m.Acquire(ctx, "k", "b", time.Second)
	assert.NoError(t, err)
}

func TestMemoryLockManager_Renew(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLockManager(clock.Now)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	renewed, err := m.Renew(ctx, lease, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), renewed.ExpiresAt)

	clock.Advance(9 * time.Second)
	_, err = m.Acquire(ctx, "k", "b", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockBusy, "renewal must keep the key held")
}

func TestNormalizeTTL(t *testing.T) {
	ttl, err := normalizeTTL(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, ttl)

	_, err = normalizeTTL(500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	_, err = normalizeTTL(61 * time.Second)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestAcquireAll(t *testing.T) {
	m := NewMemoryLockManager(nil)
	ctx := context.Background()

	t.Run("sorted and deduplicated", func(t *testing.T) {
		leases, err := AcquireAll(ctx, m, []string{"b", "a", "b"}, "h", time.Second)
		require.NoError(t, err)
		require.Len(t, leases, 2)
		assert.Equal(t, "a", leases[0].Key)
		assert.Equal(t, "b", leases[1].Key)
		ReleaseAll(m, leases)
	})

	t.Run("releases partial acquisition on busy", func(t *testing.T) {
		held, err := m.Acquire(ctx, "y", "other", time.Second)
		require.NoError(t, err)
		defer m.Release(ctx, held)

		_, err = AcquireAll(ctx, m, []string{"x", "y"}, "h", time.Second)
		assert.ErrorIs(t, err, domain.ErrLockBusy)

		// x must have been released
		x, err := m.Acquire(ctx, "x", "h2", time.Second)
		require.NoError(t, err)
		m.Release(ctx, x)
	})

	t.Run("renew all fails on lost lease", func(t *testing.T) {
		clock := newFakeClock()
		cm := NewMemoryLockManager(clock.Now)
		leases, err := AcquireAll(ctx, cm, []string{"p", "q"}, "h", time.Second)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		_, err = RenewAll(ctx, cm, leases, time.Second)
		assert.ErrorIs(t, err, domain.ErrLeaseExpired)
	})
}

type failingLockManager struct {
	err   error
	calls int
}

func (f *failingLockManager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*domain.Lease, error) {
	f.calls++
	return nil, f.err
}

func (f *failingLockManager) Release(ctx context.Context, lease *domain.Lease) error {
	f.calls++
	return f.err
}

func (f *failingLockManager) Renew(ctx context.Context, lease *domain.Lease, ttl time.Duration) (*domain.Lease, error) {
	f.calls++
	return nil, f.err
}

func TestResilientLockManager(t *testing.T) {
	ctx := context.Background()

	t.Run("busy passes through without tripping", func(t *testing.T) {
		next := &failingLockManager{err: domain.ErrLockBusy}
		cb := circuitbreaker.New("lock", &circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
		m := NewResilientLockManager(next, cb, time.Second)

		for i := 0; i < 5; i++ {
			_, err := m.Acquire(ctx, "k", "h", time.Second)
			assert.ErrorIs(t, err, domain.ErrLockBusy)
			assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
		}
		assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	})

	t.Run("infrastructure failures map to store unavailable and trip", func(t *testing.T) {
		next := &failingLockManager{err: errors.New("dial tcp: connection refused")}
		cb := circuitbreaker.New("lock", &circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
		m := NewResilientLockManager(next, cb, time.Second)

		for i := 0; i < 2; i++ {
			_, err := m.Acquire(ctx, "k", "h", time.Second)
			assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		}
		assert.Equal(t, circuitbreaker.StateOpen, cb.State())

		_, err := m.Acquire(ctx, "k", "h", time.Second)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.ErrorIs(t, err, circuitbreaker.ErrOpenState)
		assert.Equal(t, 2, next.calls, "open breaker must not touch the lock store")
	})

	t.Run("caller cancellation does not trip", func(t *testing.T) {
		next := &failingLockManager{err: context.Canceled}
		cb := circuitbreaker.New("lock", &circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
		m := NewResilientLockManager(next, cb, time.Second)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		for i := 0; i < 4; i++ {
			_, err := m.Acquire(cancelled, "k", "h", time.Second)
			assert.ErrorIs(t, err, context.Canceled)
			assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
		}
		assert.Equal(t, 4, next.calls)
		assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	})

	t.Run("caller deadline does not trip", func(t *testing.T) {
		next := &failingLockManager{err: context.DeadlineExceeded}
		cb := circuitbreaker.New("lock", &circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
		m := NewResilientLockManager(next, cb, time.Second)

		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		for i := 0; i < 4; i++ {
			err := m.Release(expired, &domain.Lease{Key: "k"})
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
		}
		assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	})

	t.Run("delegates success", func(t *testing.T) {
		cb := circuitbreaker.New("lock", nil)
		m := NewResilientLockManager(NewMemoryLockManager(nil), cb, 0)

		lease, err := m.Acquire(ctx, "k", "h", time.Second)
		require.NoError(t, err)
		_, err = m.Renew(ctx, lease, time.Second)
		require.NoError(t, err)
		assert.NoError(t, m.Release(ctx, lease))
	})
}

func TestRedisLockManager_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := pkgredis.DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	cfg.Password = os.Getenv("TEST_REDIS_PASSWORD")
	cfg.DB = 15

	ctx := context.Background()
	client, err := pkgredis.NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	m := NewRedisLockManager(client)
	require.NoError(t, m.LoadScripts(ctx))

	key := "test:" + time.Now().Format("150405.000")

	lease, err := m.Acquire(ctx, key, "a", time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, key, "b", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockBusy)

	renewed, err := m.Renew(ctx, lease, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

	require.NoError(t, m.Release(ctx, lease))
	require.NoError(t, m.Release(ctx, lease))

	_, err = m.Renew(ctx, lease, time.Second)
	assert.ErrorIs(t, err, domain.ErrLeaseExpired)

	second, err := m.Acquire(ctx, key, "b", time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, second))
}
