package redistore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/sessionstore/pkg/session"
	"github.com/aixgo-dev/sessionstore/pkg/session/memstore"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Cache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewFromClient(client, "test:", ttl)

	t.Cleanup(func() {
		_ = cache.Close()
	})
	return mr, cache
}

func checkpoint(id string, v int64, state string) *session.Checkpoint {
	return &session.Checkpoint{
		SessionID:     id,
		Version:       v,
		ParentVersion: v - 1,
		State:         []byte(state),
		CommittedAt:   time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		CommitID:      "c-" + state,
	}
}

func TestCachePutAndGet(t *testing.T) {
	mr, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, checkpoint("s1", 3, "three")))
	assert.True(t, mr.Exists("test:latest:s1"))

	got, err := cache.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, int64(2), got.ParentVersion)
	assert.Equal(t, []byte("three"), got.State)
	assert.Equal(t, "c-three", got.CommitID)
	assert.True(t, got.CommittedAt.Equal(checkpoint("s1", 3, "three").CommittedAt), "commit time keeps nanoseconds")
}

func TestCacheOverwritesUnconditionally(t *testing.T) {
	_, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, checkpoint("s1", 5, "new")))
	require.NoError(t, cache.Put(ctx, checkpoint("s1", 4, "old")))

	got, err := cache.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
}

func TestCacheMissAndDelete(t *testing.T) {
	_, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	_, err := cache.GetLatest(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, cache.Put(ctx, checkpoint("s1", 1, "one")))
	require.NoError(t, cache.Delete(ctx, "s1"))
	require.NoError(t, cache.Delete(ctx, "s1"))

	_, err = cache.GetLatest(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCacheTTL(t *testing.T) {
	mr, cache := setupMiniredis(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, checkpoint("s1", 1, "one")))
	assert.Equal(t, time.Minute, mr.TTL("test:latest:s1"))

	mr.FastForward(2 * time.Minute)

	_, err := cache.GetLatest(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCacheMalformedEntry(t *testing.T) {
	mr, cache := setupMiniredis(t, 0)
	require.NoError(t, mr.Set("test:latest:s1", "not cbor"))

	_, err := cache.GetLatest(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrCorruption)
}

func TestCacheServerErrors(t *testing.T) {
	mr, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")
	t.Cleanup(func() { mr.SetError("") })

	_, err := cache.GetLatest(ctx, "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrNotFound)
	assert.True(t, session.IsTransport(err))

	assert.Error(t, cache.Put(ctx, checkpoint("s1", 1, "one")))
	assert.Error(t, cache.Ping(ctx))
}

func TestCacheClosed(t *testing.T) {
	_, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	_, err := cache.GetLatest(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrStorageClosed)
	assert.ErrorIs(t, cache.Put(ctx, checkpoint("s1", 1, "one")), session.ErrStorageClosed)
	assert.ErrorIs(t, cache.Delete(ctx, "s1"), session.ErrStorageClosed)
	assert.ErrorIs(t, cache.Ping(ctx), session.ErrStorageClosed)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewPings(t *testing.T) {
	mr := miniredis.RunT(t)

	cache, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	assert.NoError(t, cache.Ping(context.Background()))
}

// Losing every cached key must not change what readers see.
func TestHybridSurvivesCacheLoss(t *testing.T) {
	mr, cache := setupMiniredis(t, 0)
	ctx := context.Background()

	durable := memstore.NewDurable()
	store := session.NewHybridStore(cache, durable, session.WithStoreLogger(slog.New(slog.DiscardHandler)))

	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusActive}))
	for v := int64(0); v < 3; v++ {
		_, err := store.AppendCheckpoint(ctx, "s1", v, []byte{byte('a' + v)}, "commit")
		require.NoError(t, err)
	}

	mr.FlushAll()

	cp, err := store.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Version)
	assert.Equal(t, []byte("c"), cp.State)
	assert.True(t, mr.Exists("test:latest:s1"), "read repaired the cache")

	mr.SetError("connection refused")
	cp, err = store.GetLatest(ctx, "s1")
	require.NoError(t, err, "a failing cache is bypassed")
	assert.Equal(t, int64(3), cp.Version)
	mr.SetError("")

	_, err = store.AppendCheckpoint(ctx, "s1", 2, []byte("late"), "commit-late")
	assert.ErrorIs(t, err, session.ErrConcurrentWrite)
}
