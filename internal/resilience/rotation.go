package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// ProxyCandidate is a static routing endpoint configured at startup.
type ProxyCandidate struct {
	ID  string
	URL string
}

// FingerprintCandidate is a static browser identity profile.
type FingerprintCandidate struct {
	ID        string
	UserAgent string
	Locale    string
	Platform  string
}

// RotationConfig tunes both pools.
type RotationConfig struct {
	Enabled                 bool
	ProxyQuarantineDuration time.Duration
}

// CandidateStats is the per-candidate counter view exposed in snapshots.
type CandidateStats struct {
	ID          string     `json:"id"`
	Successes   int        `json:"successes"`
	Failures    int        `json:"failures"`
	Blocked     int        `json:"blocked"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Quarantined bool       `json:"quarantined,omitempty"`
}

type candidateState struct {
	successes  int
	failures   int
	blocked    int
	lastUsedAt time.Time
}

// ProxyPool rotates routing endpoints, skipping quarantined ones. With no
// candidates or rotation disabled it hands out a zero-value candidate, which
// the extractor treats as a direct connection.
type ProxyPool struct {
	mu         sync.Mutex
	cfg        RotationConfig
	candidates []ProxyCandidate
	state      map[string]*candidateState
	quarantine *QuarantineRegistry
	clock      fetch.Clock
	logger     *zap.Logger
}

// NewProxyPool constructs a pool over the configured candidates.
func NewProxyPool(cfg RotationConfig, candidates []ProxyCandidate, quarantine *QuarantineRegistry, clock fetch.Clock, logger *zap.Logger) *ProxyPool {
	if cfg.ProxyQuarantineDuration <= 0 {
		cfg.ProxyQuarantineDuration = 10 * time.Minute
	}
	state := make(map[string]*candidateState, len(candidates))
	for _, c := range candidates {
		state[c.ID] = &candidateState{}
	}
	return &ProxyPool{
		cfg:        cfg,
		candidates: candidates,
		state:      state,
		quarantine: quarantine,
		clock:      clock,
		logger:     logger,
	}
}

// Next returns the least-recently-used non-quarantined candidate, breaking
// ties on the lower failure count. The zero value means "no proxy".
func (p *ProxyPool) Next() ProxyCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Enabled || len(p.candidates) == 0 {
		return ProxyCandidate{}
	}

	var best *ProxyCandidate
	var bestState *candidateState
	for i := range p.candidates {
		c := &p.candidates[i]
		if p.quarantine.IsQuarantined(NamespaceProxy, c.ID) {
			continue
		}
		s := p.state[c.ID]
		if best == nil || s.lastUsedAt.Before(bestState.lastUsedAt) ||
			(s.lastUsedAt.Equal(bestState.lastUsedAt) && s.failures < bestState.failures) {
			best, bestState = c, s
		}
	}
	if best == nil {
		// Every candidate is quarantined; fall back to a direct connection
		// rather than refusing the attempt.
		return ProxyCandidate{}
	}
	bestState.lastUsedAt = p.clock.Now()
	return *best
}

// ReportSuccess increments the candidate's success counter.
func (p *ProxyPool) ReportSuccess(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[id]; ok {
		s.successes++
	}
}

// ReportFailure increments the failure counter. A blocked failure also
// quarantines the proxy for the configured duration.
func (p *ProxyPool) ReportFailure(id string, blocked bool) {
	if id == "" {
		return
	}
	p.mu.Lock()
	s, ok := p.state[id]
	if ok {
		s.failures++
		if blocked {
			s.blocked++
		}
	}
	p.mu.Unlock()
	if ok && blocked {
		p.quarantine.Quarantine(NamespaceProxy, id, "proxy blocked by source", p.cfg.ProxyQuarantineDuration, nil)
	}
}

// Snapshot returns per-candidate stats in configuration order.
func (p *ProxyPool) Snapshot() []CandidateStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CandidateStats, 0, len(p.candidates))
	for _, c := range p.candidates {
		s := p.state[c.ID]
		out = append(out, CandidateStats{
			ID:          c.ID,
			Successes:   s.successes,
			Failures:    s.failures,
			Blocked:     s.blocked,
			LastUsedAt:  timePtr(s.lastUsedAt),
			Quarantined: p.quarantine.IsQuarantined(NamespaceProxy, c.ID),
		})
	}
	return out
}

// FingerprintPool rotates identity profiles. Fingerprints are cheap, so a
// blocked report only bumps a counter instead of quarantining the profile.
type FingerprintPool struct {
	mu         sync.Mutex
	enabled    bool
	candidates []FingerprintCandidate
	state      map[string]*candidateState
	clock      fetch.Clock
}

// NewFingerprintPool constructs a pool over the configured profiles.
func NewFingerprintPool(cfg RotationConfig, candidates []FingerprintCandidate, clock fetch.Clock) *FingerprintPool {
	state := make(map[string]*candidateState, len(candidates))
	for _, c := range candidates {
		state[c.ID] = &candidateState{}
	}
	return &FingerprintPool{
		enabled:    cfg.Enabled,
		candidates: candidates,
		state:      state,
		clock:      clock,
	}
}

// Next returns the least-recently-used profile, breaking ties on the lower
// blocked count. The zero value means "use the extractor's built-in identity".
func (p *FingerprintPool) Next() FingerprintCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || len(p.candidates) == 0 {
		return FingerprintCandidate{}
	}

	var best *FingerprintCandidate
	var bestState *candidateState
	for i := range p.candidates {
		c := &p.candidates[i]
		s := p.state[c.ID]
		if best == nil || s.lastUsedAt.Before(bestState.lastUsedAt) ||
			(s.lastUsedAt.Equal(bestState.lastUsedAt) && s.blocked < bestState.blocked) {
			best, bestState = c, s
		}
	}
	bestState.lastUsedAt = p.clock.Now()
	return *best
}

// ReportSuccess increments the profile's success counter.
func (p *FingerprintPool) ReportSuccess(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[id]; ok {
		s.successes++
	}
}

// ReportFailure increments the failure counter and, on blocked, the blocked
// counter kept for observability.
func (p *FingerprintPool) ReportFailure(id string, blocked bool) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[id]; ok {
		s.failures++
		if blocked {
			s.blocked++
		}
	}
}

// Snapshot returns per-profile stats in configuration order.
func (p *FingerprintPool) Snapshot() []CandidateStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CandidateStats, 0, len(p.candidates))
	for _, c := range p.candidates {
		s := p.state[c.ID]
		out = append(out, CandidateStats{
			ID:         c.ID,
			Successes:  s.successes,
			Failures:   s.failures,
			Blocked:    s.blocked,
			LastUsedAt: timePtr(s.lastUsedAt),
		})
	}
	return out
}
