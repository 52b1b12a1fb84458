package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/aixgo-dev/sessionstore/pkg/session"
)

// Cache is an in-memory cache tier holding the latest checkpoint per session.
type Cache struct {
	Faults

	mu      sync.RWMutex
	entries map[string]*session.Checkpoint
	closed  bool
}

// NewCache creates an empty cache tier.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*session.Checkpoint)}
}

// GetLatest implements session.Tier.
func (c *Cache) GetLatest(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	if err, _ := c.before("get_latest"); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, session.ErrStorageClosed
	}
	cp, ok := c.entries[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

// Put implements session.Tier. It overwrites unconditionally.
func (c *Cache) Put(ctx context.Context, cp *session.Checkpoint) error {
	failNow, failAfter := c.before("put")
	if failNow != nil {
		return failNow
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrStorageClosed
	}
	c.entries[cp.SessionID] = cloneCheckpoint(cp)
	return failAfter
}

// Delete implements session.Tier.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	failNow, failAfter := c.before("delete")
	if failNow != nil {
		return failNow
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrStorageClosed
	}
	delete(c.entries, sessionID)
	return failAfter
}

// Flush drops every entry, simulating a cache restart.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*session.Checkpoint)
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Has reports whether sessionID is cached.
func (c *Cache) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[sessionID]
	return ok
}

// Ping implements session.CacheTier.
func (c *Cache) Ping(ctx context.Context) error {
	if err, _ := c.before("ping"); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return session.ErrStorageClosed
	}
	return nil
}

// Close implements session.CacheTier.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func cloneCheckpoint(cp *session.Checkpoint) *session.Checkpoint {
	out := *cp
	out.State = slices.Clone(cp.State)
	return &out
}

var _ session.CacheTier = (*Cache)(nil)
