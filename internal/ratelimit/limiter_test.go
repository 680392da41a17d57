package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedByDefault(t *testing.T) {
	t.Parallel()
	l := New(Config{})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "retailer-a"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitPacesBeyondBurst(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "retailer-a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "retailer-a"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitIsPerSource(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "retailer-a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "retailer-b"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitSourceOverride(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1, SourceRPS: map[string]float64{"retailer-fast": 1000}})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "retailer-fast"))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "retailer-a"))
	require.Error(t, l.Wait(ctx, "retailer-a"))
}
