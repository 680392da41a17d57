package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Every helper must be callable after Init without panicking.
	ObserveCacheLookup("fresh")
	ObserveCacheWrite()
	ObserveCacheEviction()
	ObserveAttempt("x", "success")
	ObserveRetry("x", "network")
	ObserveFetchDuration("x", 120*time.Millisecond)
	ObserveCircuitTransition("x", "open")
	ObserveDeadLetter("x")
	ObserveIncident("critical", "blocked_spike")
	SetQueueDepth(3)
	SetQueueInflight(1)
	ObserveQueueRejection()
	ObserveHTTPRequest(http.MethodPost, "/v1/fetch", http.StatusOK, 10*time.Millisecond)
	ObserveDedup()
	ObserveStaleRevalidation("success")
	ObserveRateLimitDelay("x", 50*time.Millisecond)
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveCacheLookup("miss")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetchgate_cache_lookups_total")
}
