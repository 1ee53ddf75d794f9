package redis

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads on a missing key
const Nil = redis.Nil

// Config holds Redis connection configuration
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Connection retry
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig returns default Redis configuration
func DefaultConfig() *Config {
	return &Config{
		Host:          "localhost",
		Port:          6379,
		PoolSize:      100,
		MinIdleConns:  10,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
}

// Addr returns the Redis address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client wraps a go-redis UniversalClient with script caching
type Client struct {
	rdb     redis.UniversalClient
	config  *Config
	scripts sync.Map // name -> *Script
}

// NewClient dials Redis and pings it, retrying up to cfg.MaxRetries times
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				rdb.Close()
				return nil, ctx.Err()
			case <-time.After(cfg.RetryInterval):
			}
		}
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			return &Client{rdb: rdb, config: cfg}, nil
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// NewFromUniversal wraps an existing client, used by tests and by callers that manage the connection
func NewFromUniversal(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, config: DefaultConfig()}
}

// Raw returns the underlying go-redis client
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

// Ping checks if Redis connection is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck pings Redis with a bounded timeout
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pong, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if pong != "PONG" {
		return fmt.Errorf("redis health check unexpected response: %s", pong)
	}
	return nil
}

// --- Lua scripts ---

// Script is a named Lua script with its SHA1 digest
type Script struct {
	Name   string
	Source string
	SHA    string
}

// NewScript computes the digest Redis will use for source
func NewScript(name, source string) *Script {
	h := sha1.Sum([]byte(source))
	return &Script{Name: name, Source: source, SHA: hex.EncodeToString(h[:])}
}

// LoadScript uploads a script and caches it by name
func (c *Client) LoadScript(ctx context.Context, s *Script) error {
	sha, err := c.rdb.ScriptLoad(ctx, s.Source).Result()
	if err != nil {
		return fmt.Errorf("failed to load script %s: %w", s.Name, err)
	}
	if sha != s.SHA {
		return fmt.Errorf("script %s digest mismatch: server=%s local=%s", s.Name, sha, s.SHA)
	}
	c.scripts.Store(s.Name, s)
	return nil
}

// LoadScripts uploads all scripts, stopping at the first failure
func (c *Client) LoadScripts(ctx context.Context, scripts ...*Script) error {
	for _, s := range scripts {
		if err := c.LoadScript(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Run executes a script by SHA and reloads it once when the server has flushed its script cache
func (c *Client) Run(ctx context.Context, s *Script, keys []string, args ...interface{}) *redis.Cmd {
	cmd := c.rdb.EvalSha(ctx, s.SHA, keys, args...)
	if !isNoScriptError(cmd.Err()) {
		return cmd
	}

	if err := c.LoadScript(ctx, s); err != nil {
		failed := redis.NewCmd(ctx)
		failed.SetErr(err)
		return failed
	}
	return c.rdb.EvalSha(ctx, s.SHA, keys, args...)
}

func isNoScriptError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// --- Key/value ---

// Get gets a value by key
func (c *Client) Get(ctx context.Context, key string) *redis.StringCmd {
	return c.rdb.Get(ctx, key)
}

// Set sets a value with optional expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return c.rdb.Set(ctx, key, value, expiration)
}

// SetNX sets a value only if the key does not exist
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return c.rdb.SetNX(ctx, key, value, expiration)
}

// MGet gets several values; missing keys come back as nil
func (c *Client) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	return c.rdb.MGet(ctx, keys...)
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return c.rdb.Del(ctx, keys...)
}

// --- Sorted sets ---

// ZAdd adds members to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	return c.rdb.ZAdd(ctx, key, members...)
}

// ZRangeWithScores returns members in ascending score order
func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	return c.rdb.ZRangeWithScores(ctx, key, start, stop)
}

// ZRem removes members from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return c.rdb.ZRem(ctx, key, members...)
}
