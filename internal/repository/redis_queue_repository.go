package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	pkgredis "github.com/prohmpiriya/booking-core/pkg/redis"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/queue_enqueue.lua
var enqueueScriptSource string

//go:embed scripts/queue_update.lua
var updateScriptSource string

//go:embed scripts/queue_remove.lua
var removeScriptSource string

var (
	enqueueScript = pkgredis.NewScript("queue_enqueue", enqueueScriptSource)
	updateScript  = pkgredis.NewScript("queue_update", updateScriptSource)
	removeScript  = pkgredis.NewScript("queue_remove", removeScriptSource)
)

const (
	queueKey       = "queue:entries"
	queueEntryKey  = "queue:entry:%s"
	queueRetention = time.Hour
)

// RedisQueueRepository implements QueueRepository with a sorted set scored by enqueue time.
// Entry bodies are kept past ExpiresAt so the processor still observes the expiry.
type RedisQueueRepository struct {
	client *pkgredis.Client
	now    func() time.Time
}

// NewRedisQueueRepository creates a new RedisQueueRepository
func NewRedisQueueRepository(client *pkgredis.Client) *RedisQueueRepository {
	return &RedisQueueRepository{client: client, now: time.Now}
}

// LoadScripts loads all queue Lua scripts into Redis
func (r *RedisQueueRepository) LoadScripts(ctx context.Context) error {
	return r.client.LoadScripts(ctx, enqueueScript, updateScript, removeScript)
}

// Enqueue adds an entry at the tail of the queue
func (r *RedisQueueRepository) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.queue.enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue_entry_id", entry.ID),
		attribute.String("resource_id", entry.ResourceID),
	)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}

	keys := []string{queueKey, entryKey(entry.ID)}
	args := []interface{}{
		entry.ID,                          // ARGV[1]: entry id
		entry.EnqueuedAt.UnixMicro(),      // ARGV[2]: score
		string(data),                      // ARGV[3]: entry json
		r.retention(entry).Milliseconds(), // ARGV[4]: retention
	}

	values, err := r.client.Run(ctx, enqueueScript, keys, args...).Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to execute queue_enqueue script: %w", err)
	}
	if len(values) < 2 {
		return fmt.Errorf("unexpected script result length: %d", len(values))
	}

	if success, _ := toInt64(values[0]); success != 1 {
		code, _ := values[1].(string)
		span.SetStatus(codes.Error, code)
		return fmt.Errorf("failed to enqueue %s: %s", entry.ID, code)
	}

	size, _ := toInt64(values[1])
	span.SetAttributes(attribute.Int64("queue_size", size))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Get returns a queued entry
func (r *RedisQueueRepository) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	raw, err := r.client.Get(ctx, entryKey(id)).Result()
	if err != nil {
		if err == pkgredis.Nil {
			return nil, domain.ErrQueueEntryNotFound
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return decodeEntry(raw)
}

// ListOldest returns up to limit entries by enqueue time. Members whose body has
// already been evicted are dropped from the sorted set.
func (r *RedisQueueRepository) ListOldest(ctx context.Context, limit int) ([]*domain.QueueEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.queue.list_oldest")
	defer span.End()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	members, err := r.client.ZRangeWithScores(ctx, queueKey, 0, stop).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to range queue: %w", err)
	}
	if len(members) == 0 {
		span.SetStatus(codes.Ok, "")
		return nil, nil
	}

	ids := make([]string, len(members))
	keys := make([]string, len(members))
	for i, m := range members {
		ids[i], _ = m.Member.(string)
		keys[i] = entryKey(ids[i])
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load queue entries: %w", err)
	}

	entries := make([]*domain.QueueEntry, 0, len(values))
	var orphans []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if len(orphans) > 0 {
		if err := r.client.ZRem(ctx, queueKey, orphans...).Err(); err != nil {
			span.RecordError(err)
		}
	}

	span.SetAttributes(attribute.Int("count", len(entries)))
	span.SetStatus(codes.Ok, "")
	return entries, nil
}

// Update rewrites the entry body; the queue position is unchanged
func (r *RedisQueueRepository) Update(ctx context.Context, entry *domain.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}

	updated, err := r.client.Run(ctx, updateScript, []string{entryKey(entry.ID)},
		string(data),
		r.retention(entry).Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to execute queue_update script: %w", err)
	}
	if updated == 0 {
		return domain.ErrQueueEntryNotFound
	}
	return nil
}

// Delete removes an entry; a second delete returns domain.ErrQueueEntryNotFound
func (r *RedisQueueRepository) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.queue.delete")
	defer span.End()
	span.SetAttributes(attribute.String("queue_entry_id", id))

	removed, err := r.client.Run(ctx, removeScript, []string{queueKey, entryKey(id)}, id).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to execute queue_remove script: %w", err)
	}
	if removed == 0 {
		span.SetStatus(codes.Error, "not found")
		return domain.ErrQueueEntryNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *RedisQueueRepository) retention(entry *domain.QueueEntry) time.Duration {
	d := entry.ExpiresAt.Sub(r.now()) + queueRetention
	if d < queueRetention {
		d = queueRetention
	}
	return d
}

func entryKey(id string) string {
	return fmt.Sprintf(queueEntryKey, id)
}

func decodeEntry(raw string) (*domain.QueueEntry, error) {
	entry := &domain.QueueEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	return entry, nil
}

// toInt64 converts interface{} to int64
func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case string:
		var i int64
		_, err := fmt.Sscanf(val, "%d", &i)
		return i, err
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

var _ QueueRepository = (*RedisQueueRepository)(nil)
