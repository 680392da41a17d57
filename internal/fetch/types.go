// Package fetch defines core types shared across subsystems.
package fetch

import "time"

// CacheMode selects how the pipeline consults the response cache.
type CacheMode string

// Cache modes accepted on a request.
const (
	CacheModeDefault CacheMode = "default"
	CacheModeBypass  CacheMode = "bypass"
	CacheModeRefresh CacheMode = "refresh"
)

// Request is a logical fetch request. It is immutable once admitted; the
// canonical fingerprint derived from it doubles as cache key and dedup key.
type Request struct {
	Source    string         `json:"source"`
	Operation string         `json:"operation"`
	Target    map[string]any `json:"target"`
	Fields    []string       `json:"fields,omitempty"`
	Freshness string         `json:"freshness,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
	FastMode  bool           `json:"fast_mode,omitempty"`
	CacheMode CacheMode      `json:"cache_mode,omitempty"`
}

// Timeout returns the request's timeout budget as a duration, or def when the
// request carries none.
func (r Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// IdentityHints carries the egress identity selected for one attempt. It is
// passed alongside the request through the executor call chain rather than
// smuggled inside the request payload.
type IdentityHints struct {
	ProxyID       string `json:"proxy_id,omitempty"`
	ProxyURL      string `json:"proxy_url,omitempty"`
	FingerprintID string `json:"fingerprint_id,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Attempt       int    `json:"attempt"`
}

// Outcome is what an Extractor produces for one successful execution.
type Outcome struct {
	Source        string         `json:"source"`
	Operation     string         `json:"operation"`
	Data          map[string]any `json:"data"`
	Fields        []string       `json:"fields,omitempty"`
	FetchedAt     time.Time      `json:"fetched_at"`
	Attempt       int            `json:"attempt,omitempty"`
	ProxyID       string         `json:"proxy_id,omitempty"`
	FingerprintID string         `json:"fingerprint_id,omitempty"`
}

// Clone returns a deep copy of the outcome so cached values can be handed to
// callers without aliasing the stored map.
func (o Outcome) Clone() Outcome {
	cp := o
	if o.Data != nil {
		cp.Data = cloneMap(o.Data)
	}
	if len(o.Fields) > 0 {
		cp.Fields = append([]string(nil), o.Fields...)
	}
	return cp
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = cloneMap(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}

// CacheState classifies a cache read.
type CacheState string

// Cache read classifications.
const (
	CacheStateFresh CacheState = "fresh"
	CacheStateStale CacheState = "stale"
	CacheStateMiss  CacheState = "miss"
)

// CacheInfo describes how the cache participated in a result.
type CacheInfo struct {
	Hit   bool       `json:"hit"`
	State CacheState `json:"state"`
}

// StageLatency is one entry of a result's per-stage latency breakdown.
type StageLatency struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
}

// Result is the pipeline's answer to a logical fetch request.
type Result struct {
	Outcome      Outcome        `json:"outcome"`
	Cache        CacheInfo      `json:"cache"`
	Deduplicated bool           `json:"deduplicated"`
	FastMode     bool           `json:"fast_mode"`
	LatencyMs    int64          `json:"latency_ms"`
	Stages       []StageLatency `json:"stages,omitempty"`
}
