package resilience

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/id/uuid"
	"github.com/fetchgate/fetchgate/internal/kv/memory"
)

type recordingArchive struct {
	paths []string
}

func (a *recordingArchive) Put(_ context.Context, path, _ string, _ []byte) (string, error) {
	a.paths = append(a.paths, path)
	return "mem://" + path, nil
}

func newTestDeadLetters(t *testing.T, cfg DeadLetterConfig, clock *fakeClock, archive Archive) (*DeadLetterStore, fetch.KVStore) {
	t.Helper()
	kv := memory.New(clock)
	store := NewDeadLetterStore(cfg, kv, archive, clock, uuid.New(), zap.NewNop())
	require.NoError(t, store.Init(context.Background()))
	return store, kv
}

func testRecord(source string) DeadLetterRecord {
	return DeadLetterRecord{
		Source:    source,
		Operation: "product",
		Request:   fetch.Request{Source: source, Operation: "product"},
		Error:     fetch.NewError(fetch.CodeTimeout, "attempt deadline exceeded"),
		ProxyID:   "proxy-1",
	}
}

func TestDeadLetterPushAndSnapshot(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store, kv := newTestDeadLetters(t, DeadLetterConfig{MaxEntries: 10}, clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, testRecord("retailer-a")))
	clock.Advance(time.Second)
	require.NoError(t, store.Push(ctx, testRecord("retailer-b")))

	snap := store.Snapshot(0)
	require.Len(t, snap, 2)
	require.Equal(t, "retailer-b", snap[0].Source)
	require.Equal(t, "retailer-a", snap[1].Source)
	require.NotEmpty(t, snap[0].ID)
	require.Equal(t, 2, store.Total())

	_, ok, err := kv.Get(ctx, deadLetterEntryPrefix+snap[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeadLetterFIFOEviction(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	archive := &recordingArchive{}
	store, kv := newTestDeadLetters(t, DeadLetterConfig{MaxEntries: 3}, clock, archive)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Push(ctx, testRecord(fmt.Sprintf("retailer-%d", i))))
		clock.Advance(time.Second)
	}

	snap := store.Snapshot(0)
	require.Len(t, snap, 3)
	require.Equal(t, "retailer-5", snap[0].Source)
	require.Equal(t, "retailer-3", snap[2].Source)

	// Evicted payloads are archived and removed from the backend.
	require.Len(t, archive.paths, 2)
	keys, err := kv.Scan(ctx, deadLetterEntryPrefix, 0)
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func TestDeadLetterRetentionPruning(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store, _ := newTestDeadLetters(t, DeadLetterConfig{MaxEntries: 10, Retention: time.Hour}, clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, testRecord("retailer-old")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Push(ctx, testRecord("retailer-new")))

	snap := store.Snapshot(0)
	require.Len(t, snap, 1)
	require.Equal(t, "retailer-new", snap[0].Source)
}

func TestDeadLetterInitRestoresMirror(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	kv := memory.New(clock)
	ids := uuid.New()
	ctx := context.Background()

	first := NewDeadLetterStore(DeadLetterConfig{MaxEntries: 10}, kv, nil, clock, ids, zap.NewNop())
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Push(ctx, testRecord("retailer-a")))
	require.NoError(t, first.Push(ctx, testRecord("retailer-b")))

	second := NewDeadLetterStore(DeadLetterConfig{MaxEntries: 10}, kv, nil, clock, ids, zap.NewNop())
	require.NoError(t, second.Init(ctx))
	require.Equal(t, 2, second.Total())
	require.Equal(t, "retailer-b", second.Snapshot(1)[0].Source)
}

func TestDeadLetterPurge(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store, kv := newTestDeadLetters(t, DeadLetterConfig{MaxEntries: 10}, clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, testRecord("retailer-a")))
	require.NoError(t, store.Purge(ctx))

	require.Zero(t, store.Total())
	keys, err := kv.Scan(ctx, "deadletter:", 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}

// gatedIndexStore stalls the first index write until released, exposing
// write-ordering problems between concurrent pushes.
type gatedIndexStore struct {
	fetch.KVStore
	mu      sync.Mutex
	stalled bool
	blocked chan struct{}
	release chan struct{}
}

func (g *gatedIndexStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == deadLetterIndexKey {
		g.mu.Lock()
		first := !g.stalled
		g.stalled = true
		g.mu.Unlock()
		if first {
			close(g.blocked)
			<-g.release
		}
	}
	return g.KVStore.Set(ctx, key, value, ttl)
}

func TestDeadLetterConcurrentPushKeepsIndexComplete(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	mem := memory.New(clock)
	gate := &gatedIndexStore{
		KVStore: mem,
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewDeadLetterStore(DeadLetterConfig{MaxEntries: 10}, gate, nil, clock, uuid.New(), zap.NewNop())
	require.NoError(t, store.Init(context.Background()))
	ctx := context.Background()

	recA := testRecord("retailer-a")
	recA.ID = "rec-a"
	recB := testRecord("retailer-b")
	recB.ID = "rec-b"

	errA := make(chan error, 1)
	go func() { errA <- store.Push(ctx, recA) }()
	<-gate.blocked

	// The second push lands its payload while the first push's index write
	// is still in flight.
	errB := make(chan error, 1)
	go func() { errB <- store.Push(ctx, recB) }()
	require.Eventually(t, func() bool {
		_, ok, err := mem.Get(ctx, deadLetterEntryPrefix+"rec-b")
		return err == nil && ok
	}, time.Second, time.Millisecond)

	close(gate.release)
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)

	// A fresh store over the same backend must see both records: the stale
	// in-flight index write must not clobber the newer one.
	fresh := NewDeadLetterStore(DeadLetterConfig{MaxEntries: 10}, mem, nil, clock, uuid.New(), zap.NewNop())
	require.NoError(t, fresh.Init(ctx))
	require.Equal(t, 2, fresh.Total())
	snap := fresh.Snapshot(0)
	require.Equal(t, "rec-b", snap[0].ID)
	require.Equal(t, "rec-a", snap[1].ID)
}
