package lock

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/booking-core/internal/domain"
	pkgredis "github.com/prohmpiriya/booking-core/pkg/redis"
)

//go:embed scripts/release.lua
var releaseScriptSource string

//go:embed scripts/renew.lua
var renewScriptSource string

var (
	releaseScript = pkgredis.NewScript("lock_release", releaseScriptSource)
	renewScript   = pkgredis.NewScript("lock_renew", renewScriptSource)
)

// keyPrefix namespaces lock keys in Redis
const keyPrefix = "lock:"

// RedisLockManager implements LockManager with SET NX PX and token-checked Lua scripts
type RedisLockManager struct {
	client *pkgredis.Client
	now    func() time.Time
}

// NewRedisLockManager creates a new RedisLockManager
func NewRedisLockManager(client *pkgredis.Client) *RedisLockManager {
	return &RedisLockManager{client: client, now: time.Now}
}

// LoadScripts preloads the Lua scripts
func (m *RedisLockManager) LoadScripts(ctx context.Context) error {
	return m.client.LoadScripts(ctx, releaseScript, renewScript)
}

// Acquire sets the key with a fresh token if it does not exist
func (m *RedisLockManager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*domain.Lease, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}

	token := uuid.New().String()
	now := m.now()

	ok, err := m.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockBusy
	}

	return &domain.Lease{
		Key:        key,
		HolderID:   holderID,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Release deletes the key if the token still matches
func (m *RedisLockManager) Release(ctx context.Context, lease *domain.Lease) error {
	if lease == nil {
		return nil
	}
	if err := m.client.Run(ctx, releaseScript, []string{keyPrefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}
	return nil
}

// Renew extends the key TTL if the token still matches
func (m *RedisLockManager) Renew(ctx context.Context, lease *domain.Lease, ttl time.Duration) (*domain.Lease, error) {
	ttl, err := normalizeTTL(ttl)
	if err != nil {
		return nil, err
	}

	n, err := m.client.Run(ctx, renewScript, []string{keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock %s: %w", lease.Key, err)
	}
	if n != 1 {
		return nil, domain.ErrLeaseExpired
	}

	renewed := *lease
	renewed.ExpiresAt = m.now().Add(ttl)
	return &renewed, nil
}

var _ LockManager = (*RedisLockManager)(nil)
