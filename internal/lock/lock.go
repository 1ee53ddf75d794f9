package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
)

const (
	// DefaultTTL is the lease TTL used when none is given
	DefaultTTL = 15 * time.Second
	MinTTL     = time.Second
	MaxTTL     = 60 * time.Second
)

// ErrInvalidTTL is returned for a TTL outside [MinTTL, MaxTTL]
var ErrInvalidTTL = errors.New("lease ttl must be between 1s and 60s")

// LockManager grants exclusive, expiring leases on string keys.
// Acquire never blocks: a held key fails immediately with domain.ErrLockBusy.
type LockManager interface {
	Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*domain.Lease, error)
	// Release is a no-op for expired or already released leases
	Release(ctx context.Context, lease *domain.Lease) error
	// Renew extends a lease still held by its token, or fails with domain.ErrLeaseExpired
	Renew(ctx context.Context, lease *domain.Lease, ttl time.Duration) (*domain.Lease, error)
}

// ResourceKey guards a time-bound resource on one calendar date
func ResourceKey(resourceID, date string) string {
	return fmt.Sprintf("resource:%s:%s", resourceID, date)
}

// StockKey guards the batches of a countable resource
func StockKey(resourceID string) string {
	return fmt.Sprintf("resource:%s", resourceID)
}

// DeliverySlotKey guards the delivery fleet on one calendar date
func DeliverySlotKey(date string) string {
	return fmt.Sprintf("delivery-slot:%s", date)
}

// QueueEntryKey guards the promotion of one queue entry
func QueueEntryKey(entryID string) string {
	return fmt.Sprintf("queue-entry:%s", entryID)
}

func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return DefaultTTL, nil
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return 0, ErrInvalidTTL
	}
	return ttl, nil
}

// AcquireAll takes every key in sorted order. On any failure the leases already
// taken are released and the error is returned.
func AcquireAll(ctx context.Context, m LockManager, keys []string, holderID string, ttl time.Duration) ([]*domain.Lease, error) {
	sorted := uniqueSorted(keys)
	leases := make([]*domain.Lease, 0, len(sorted))
	for _, key := range sorted {
		lease, err := m.Acquire(ctx, key, holderID, ttl)
		if err != nil {
			ReleaseAll(m, leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseAll releases leases in reverse order on a fresh context so that
// a cancelled request still frees its keys. Release errors are ignored; the TTL reclaims the key.
func ReleaseAll(m LockManager, leases []*domain.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(leases) - 1; i >= 0; i-- {
		_ = m.Release(ctx, leases[i])
	}
}

// RenewAll extends every lease, failing on the first one no longer held.
// The returned slice replaces the input.
func RenewAll(ctx context.Context, m LockManager, leases []*domain.Lease, ttl time.Duration) ([]*domain.Lease, error) {
	renewed := make([]*domain.Lease, len(leases))
	for i, l := range leases {
		nl, err := m.Renew(ctx, l, ttl)
		if err != nil {
			return leases, fmt.Errorf("renew %s: %w", l.Key, err)
		}
		renewed[i] = nl
	}
	return renewed, nil
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
