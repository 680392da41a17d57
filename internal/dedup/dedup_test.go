package dedup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSingleFlight(t *testing.T) {
	t.Parallel()
	g := New()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []any
		deduped int
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, wasDeduped, err := g.Run("key", func() (any, error) {
			calls.Add(1)
			close(started)
			<-release
			return "payload", nil
		})
		require.NoError(t, err)
		mu.Lock()
		results = append(results, v)
		if wasDeduped {
			deduped++
		}
		mu.Unlock()
	}()

	<-started
	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, wasDeduped, err := g.Run("key", func() (any, error) {
				calls.Add(1)
				return "payload", nil
			})
			require.NoError(t, err)
			mu.Lock()
			results = append(results, v)
			if wasDeduped {
				deduped++
			}
			mu.Unlock()
		}()
	}

	// The leader is parked on the release channel, so its registration stays
	// live while the joiners attach. Give them a moment to do so; a straggler
	// that misses the flight would start a second execution and trip the
	// calls assertion below.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.Len(t, results, n)
	for _, v := range results {
		require.Equal(t, "payload", v)
	}
	require.Equal(t, n-1, deduped)
}

func TestRunFailureUnregistersKey(t *testing.T) {
	t.Parallel()
	g := New()

	boom := errors.New("boom")
	_, _, err := g.Run("key", func() (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	// A subsequent run must execute again rather than join the dead flight.
	v, wasDeduped, err := g.Run("key", func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.False(t, wasDeduped)
	require.Equal(t, 42, v)
}

func TestRunDistinctKeysDoNotCoalesce(t *testing.T) {
	t.Parallel()
	g := New()

	var calls atomic.Int64
	for _, key := range []string{"a", "b", "c"} {
		v, wasDeduped, err := g.Run(key, func() (any, error) {
			calls.Add(1)
			return key, nil
		})
		require.NoError(t, err)
		require.False(t, wasDeduped)
		require.Equal(t, key, v)
	}
	require.EqualValues(t, 3, calls.Load())
}
