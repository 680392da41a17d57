package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

func newTestPolicy() *RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		BlockedDelay: time.Second,
		Jitter:       0,
	})
}

func TestDecideValidationNeverRetries(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(fetch.NewError(fetch.CodeValidation, "bad request"), 1)
	require.False(t, d.Retry)
	require.Equal(t, fetch.CodeValidation, d.Category)
}

func TestDecideRespectsMaxAttempts(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()
	err := fetch.NewError(fetch.CodeNetwork, "connection reset")

	require.True(t, p.Decide(err, 1).Retry)
	require.True(t, p.Decide(err, 2).Retry)
	require.False(t, p.Decide(err, 3).Retry)
}

func TestDecideExponentialBackoffMonotoneUntilClamp(t *testing.T) {
	t.Parallel()
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Jitter:      0,
	})
	err := fetch.NewError(fetch.CodeNetwork, "connection reset")

	var prev time.Duration
	for attempt := 1; attempt < 6; attempt++ {
		d := p.Decide(err, attempt)
		require.True(t, d.Retry)
		require.GreaterOrEqual(t, d.Delay, prev)
		require.LessOrEqual(t, d.Delay, 400*time.Millisecond)
		prev = d.Delay
	}
	// 100ms, 200ms, 400ms, then clamped at 400ms.
	require.Equal(t, 400*time.Millisecond, prev)
}

func TestDecideBlockedUsesFixedDelay(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()
	err := fetch.NewError(fetch.CodeSourceBlocked, "challenge page")

	d1 := p.Decide(err, 1)
	d2 := p.Decide(err, 2)
	require.True(t, d1.Retry)
	require.Equal(t, time.Second, d1.Delay)
	require.Equal(t, time.Second, d2.Delay)
	require.Equal(t, fetch.CodeSourceBlocked, d1.Category)
}

func TestDecideJitterIsBounded(t *testing.T) {
	t.Parallel()
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
	})
	err := fetch.NewError(fetch.CodeTimeout, "deadline exceeded")

	for i := 0; i < 20; i++ {
		d := p.Decide(err, 1)
		require.GreaterOrEqual(t, d.Delay, 100*time.Millisecond)
		require.Less(t, d.Delay, 150*time.Millisecond)
	}
}

func TestDecideClassifiesPlainErrors(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(errors.New("boom"), 1)
	require.True(t, d.Retry)
	require.Equal(t, fetch.CodeInternal, d.Category)
}
