package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProxyPool(clock *fakeClock, quarantine *QuarantineRegistry) *ProxyPool {
	return NewProxyPool(RotationConfig{
		Enabled:                 true,
		ProxyQuarantineDuration: 10 * time.Minute,
	}, []ProxyCandidate{
		{ID: "proxy-1", URL: "http://proxy-1.internal:3128"},
		{ID: "proxy-2", URL: "http://proxy-2.internal:3128"},
		{ID: "proxy-3", URL: "http://proxy-3.internal:3128"},
	}, quarantine, clock, zap.NewNop())
}

func TestProxyPoolRoundRobinsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	pool := newTestProxyPool(clock, newTestQuarantine(clock))

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		c := pool.Next()
		require.False(t, seen[c.ID])
		seen[c.ID] = true
		clock.Advance(time.Second)
	}

	// Fourth pick wraps back to the least recently used candidate.
	require.Equal(t, "proxy-1", pool.Next().ID)
}

func TestProxyPoolSkipsQuarantined(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	quarantine := newTestQuarantine(clock)
	pool := newTestProxyPool(clock, quarantine)

	quarantine.Quarantine(NamespaceProxy, "proxy-1", "blocked", time.Hour, nil)
	for i := 0; i < 4; i++ {
		require.NotEqual(t, "proxy-1", pool.Next().ID)
		clock.Advance(time.Second)
	}
}

func TestProxyPoolBlockedFailureQuarantines(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	quarantine := newTestQuarantine(clock)
	pool := newTestProxyPool(clock, quarantine)

	pool.ReportFailure("proxy-2", true)
	require.True(t, quarantine.IsQuarantined(NamespaceProxy, "proxy-2"))

	clock.Advance(10*time.Minute + time.Second)
	require.False(t, quarantine.IsQuarantined(NamespaceProxy, "proxy-2"))

	snap := pool.Snapshot()
	require.Equal(t, 1, snap[1].Failures)
	require.Equal(t, 1, snap[1].Blocked)
}

func TestProxyPoolFallsBackToDirectWhenExhausted(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	quarantine := newTestQuarantine(clock)
	pool := newTestProxyPool(clock, quarantine)

	for _, id := range []string{"proxy-1", "proxy-2", "proxy-3"} {
		quarantine.Quarantine(NamespaceProxy, id, "blocked", time.Hour, nil)
	}
	require.Empty(t, pool.Next().ID)
}

func TestProxyPoolDisabledReturnsZeroCandidate(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	pool := NewProxyPool(RotationConfig{Enabled: false}, []ProxyCandidate{
		{ID: "proxy-1", URL: "http://proxy-1.internal:3128"},
	}, newTestQuarantine(clock), clock, zap.NewNop())

	require.Empty(t, pool.Next().ID)
}

func TestFingerprintPoolPrefersLessBlockedOnTie(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	pool := NewFingerprintPool(RotationConfig{Enabled: true}, []FingerprintCandidate{
		{ID: "fp-1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"},
		{ID: "fp-2", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5)"},
	}, clock)

	pool.ReportFailure("fp-1", true)

	// Neither profile has been used yet, so the blocked count decides.
	require.Equal(t, "fp-2", pool.Next().ID)
}

func TestFingerprintPoolBlockedDoesNotRemoveProfile(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	pool := NewFingerprintPool(RotationConfig{Enabled: true}, []FingerprintCandidate{
		{ID: "fp-1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"},
	}, clock)

	pool.ReportFailure("fp-1", true)
	pool.ReportFailure("fp-1", true)
	require.Equal(t, "fp-1", pool.Next().ID)

	snap := pool.Snapshot()
	require.Equal(t, 2, snap[0].Blocked)
	require.Equal(t, 2, snap[0].Failures)
}

func TestFingerprintPoolEmptyReturnsZeroProfile(t *testing.T) {
	t.Parallel()
	pool := NewFingerprintPool(RotationConfig{Enabled: true}, nil, newFakeClock())
	require.Empty(t, pool.Next().ID)
	pool.ReportSuccess("")
}
