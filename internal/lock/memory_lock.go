package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLockManager is a single-process LockManager with an injectable clock
type MemoryLockManager struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLockManager creates a MemoryLockManager; a nil clock uses time.Now
func NewMemoryLockManager(now func() time.Time) *MemoryLockManager {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockManager{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Acquire grants the key unless a live lease holds it
func (m *MemoryLockManager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*domain.Lease, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, domain.ErrLockBusy
	}

	lease := &domain.Lease{
		Key:        key,
		HolderID:   holderID,
		Token:      uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.entries[key] = memoryEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

// Release deletes the key only if the lease token still owns it
func (m *MemoryLockManager) Release(ctx context.Context, lease *domain.Lease) error {
	if lease == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[lease.Key]; ok && e.token == lease.Token {
		delete(m.entries, lease.Key)
	}
	return nil
}

// Renew pushes the expiry out if the lease is still live and owned
func (m *MemoryLockManager) Renew(ctx context.Context, lease *domain.Lease, ttl time.Duration) (*domain.Lease, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[lease.Key]
	if !ok || e.token != lease.Token || !now.Before(e.expiresAt) {
		return nil, domain.ErrLeaseExpired
	}

	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)
	m.entries[lease.Key] = memoryEntry{token: lease.Token, expiresAt: renewed.ExpiresAt}
	return &renewed, nil
}

var _ LockManager = (*MemoryLockManager)(nil)
