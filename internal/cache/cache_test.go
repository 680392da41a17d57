package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	kvmemory "github.com/fetchgate/fetchgate/internal/kv/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*ResponseCache, *fakeClock, fetch.KVStore) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := kvmemory.New(clock)
	c := New(store, clock, Config{TTL: 2 * time.Minute, StaleTTL: 10 * time.Minute}, zap.NewNop())
	return c, clock, store
}

func TestCacheLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "fp", json.RawMessage(`{"name":"n"}`)))

	// Before expiresAt: fresh.
	got, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateFresh, got.State)
	require.JSONEq(t, `{"name":"n"}`, string(got.Value))

	// Between expiresAt and staleUntil: stale, value still served.
	clock.Advance(2*time.Minute + time.Second)
	got, err = c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateStale, got.State)
	require.JSONEq(t, `{"name":"n"}`, string(got.Value))

	// Past staleUntil: miss, entry evicted.
	clock.Advance(10 * time.Minute)
	got, err = c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateMiss, got.State)

	got, err = c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateMiss, got.State)
}

func TestCacheBoundaryAtExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "fp", json.RawMessage(`1`)))

	// Exactly at expiresAt the entry is still fresh (now <= expiresAt).
	clock.Advance(2 * time.Minute)
	got, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateFresh, got.State)
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "fp", json.RawMessage(`1`)))
	require.NoError(t, c.Delete(ctx, "fp"))

	got, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateMiss, got.State)
}

func TestCacheClearRemovesOnlyNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, store := newTestCache(t)

	for i := 0; i < 250; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("fp-%03d", i), json.RawMessage(`1`)))
	}
	require.NoError(t, store.Set(ctx, "deadletter:keep", []byte("1"), 0))

	require.NoError(t, c.Clear(ctx))

	keys, err := store.Scan(ctx, "cache:", 0)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, ok, err := store.Get(ctx, "deadletter:keep")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheCorruptEnvelopeIsMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, store := newTestCache(t)

	require.NoError(t, store.Set(ctx, "cache:fp", []byte("not-json"), 0))

	got, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, fetch.CacheStateMiss, got.State)

	_, ok, err := store.Get(ctx, "cache:fp")
	require.NoError(t, err)
	require.False(t, ok)
}
