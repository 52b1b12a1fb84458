// Package redistore implements the session cache tier on Redis.
//
// Each session has a single key holding its latest checkpoint encoded as
// CBOR. The cache is never authoritative: a missing or unreadable key is
// served from the durable tier by the hybrid store.
package redistore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "sessionstore:"

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "sessionstore:").
	Prefix string
	// TTL expires cached checkpoints (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
	// DialTimeout bounds connection setup (default: 5s).
	DialTimeout time.Duration
}

// Cache implements session.CacheTier using Redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    poolSize,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewFromClient creates a cache over an existing client.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Cache) latestKey(sessionID string) string {
	return c.prefix + "latest:" + sessionID
}

func (c *Cache) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return session.ErrStorageClosed
	}
	return nil
}

// GetLatest returns the cached checkpoint or session.ErrNotFound.
func (c *Cache) GetLatest(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	data, err := c.client.Get(ctx, c.latestKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp session.Checkpoint
	if err := codec.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: cached checkpoint for %s: %w", session.ErrCorruption, sessionID, err)
	}
	return &cp, nil
}

// Put overwrites the cached checkpoint.
func (c *Cache) Put(ctx context.Context, cp *session.Checkpoint) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	data, err := codec.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := c.client.Set(ctx, c.latestKey(cp.SessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Delete removes the cached checkpoint. Deleting a missing key succeeds.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if err := c.client.Del(ctx, c.latestKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.client.Close()
}

var _ session.CacheTier = (*Cache)(nil)
