package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/circuitbreaker"
)

// ResilientLockManager guards a LockManager with its own circuit breaker.
// Contention and lost leases are normal outcomes and do not count as failures;
// everything else surfaces as domain.ErrStoreUnavailable.
type ResilientLockManager struct {
	next    LockManager
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewResilientLockManager wraps next; a zero timeout defaults to 2s
func NewResilientLockManager(next LockManager, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *ResilientLockManager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ResilientLockManager{next: next, breaker: breaker, timeout: timeout}
}

func (m *ResilientLockManager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*domain.Lease, error) {
	var lease *domain.Lease
	err := m.run(ctx, "acquire", func(ctx context.Context) error {
		var err error
		lease, err = m.next.Acquire(ctx, key, holderID, ttl)
		return err
	})
	return lease, err
}

func (m *ResilientLockManager) Release(ctx context.Context, lease *domain.Lease) error {
	return m.run(ctx, "release", func(ctx context.Context) error {
		return m.next.Release(ctx, lease)
	})
}

func (m *ResilientLockManager) Renew(ctx context.Context, lease *domain.Lease, ttl time.Duration) (*domain.Lease, error) {
	var renewed *domain.Lease
	err := m.run(ctx, "renew", func(ctx context.Context) error {
		var err error
		renewed, err = m.next.Renew(ctx, lease, ttl)
		return err
	})
	return renewed, err
}

func (m *ResilientLockManager) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var outcome error
	err := m.breaker.Execute(ctx, func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, m.timeout)
		defer cancel()

		err := fn(ctx)
		// the caller's own deadline or cancellation says nothing about the lock store
		if isLockOutcome(err) || (err != nil && parent.Err() != nil) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("lock %s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return outcome
}

func isLockOutcome(err error) bool {
	return errors.Is(err, domain.ErrLockBusy) ||
		errors.Is(err, domain.ErrLeaseExpired) ||
		errors.Is(err, ErrInvalidTTL)
}

var _ LockManager = (*ResilientLockManager)(nil)
