package resilience

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// CircuitState is the breaker state for one source.
type CircuitState string

// Breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitConfig tunes the per-source breakers.
type CircuitConfig struct {
	FailureThreshold         int
	OpenFor                  time.Duration
	HalfOpenSuccessThreshold int
}

// CircuitRecord is a read-only snapshot of one source's breaker.
type CircuitRecord struct {
	Source              string       `json:"source"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	HalfOpenSuccesses   int          `json:"half_open_successes,omitempty"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	OpenUntil           *time.Time   `json:"open_until,omitempty"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
}

type circuit struct {
	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	openUntil           time.Time
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
}

// CircuitRegistry owns one breaker per source. Records are created lazily on
// first reference and live for the process lifetime.
type CircuitRegistry struct {
	mu       sync.Mutex
	cfg      CircuitConfig
	clock    fetch.Clock
	logger   *zap.Logger
	circuits map[string]*circuit
}

// NewCircuitRegistry constructs a registry.
func NewCircuitRegistry(cfg CircuitConfig, clock fetch.Clock, logger *zap.Logger) *CircuitRegistry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = time.Minute
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	metrics.Init()
	return &CircuitRegistry{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		circuits: make(map[string]*circuit),
	}
}

// Allow reports whether an execution attempt may proceed for the source.
// Half-open and closed both permit execution; open fails fast with a
// circuit_open error. The open -> half_open transition is evaluated lazily
// here rather than by a background timer.
func (r *CircuitRegistry) Allow(source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(source)
	r.tick(source, c)
	if c.state == CircuitOpen {
		return fetch.NewError(fetch.CodeCircuitOpen, "circuit open for source %q", source).
			WithDetail("open_until", c.openUntil)
	}
	return nil
}

// RecordSuccess notes a successful attempt. In half-open state, enough
// consecutive successes fully close the circuit.
func (r *CircuitRegistry) RecordSuccess(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(source)
	r.tick(source, c)
	c.lastSuccessAt = r.clock.Now()
	switch c.state {
	case CircuitHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= r.cfg.HalfOpenSuccessThreshold {
			r.transition(source, c, CircuitClosed)
			c.consecutiveFailures = 0
			c.halfOpenSuccesses = 0
		}
	case CircuitClosed:
		c.consecutiveFailures = 0
	}
}

// RecordFailure notes a failed attempt. A blocked failure counts double
// toward the threshold; any failure while half-open reopens the circuit.
func (r *CircuitRegistry) RecordFailure(source string, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(source)
	r.tick(source, c)
	now := r.clock.Now()
	c.lastFailureAt = now

	weight := 1
	if blocked {
		weight = 2
	}
	c.consecutiveFailures += weight

	switch c.state {
	case CircuitHalfOpen:
		r.open(source, c, now)
	case CircuitClosed:
		if c.consecutiveFailures >= r.cfg.FailureThreshold {
			r.open(source, c, now)
		}
	}
}

// State returns the source's current state, applying lazy transitions.
func (r *CircuitRegistry) State(source string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(source)
	r.tick(source, c)
	return c.state
}

// Snapshot returns per-source records sorted by source name.
func (r *CircuitRegistry) Snapshot() []CircuitRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CircuitRecord, 0, len(r.circuits))
	for source, c := range r.circuits {
		r.tick(source, c)
		out = append(out, CircuitRecord{
			Source:              source,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			HalfOpenSuccesses:   c.halfOpenSuccesses,
			OpenedAt:            timePtr(c.openedAt),
			OpenUntil:           timePtr(c.openUntil),
			LastSuccessAt:       timePtr(c.lastSuccessAt),
			LastFailureAt:       timePtr(c.lastFailureAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (r *CircuitRegistry) get(source string) *circuit {
	c, ok := r.circuits[source]
	if !ok {
		c = &circuit{state: CircuitClosed}
		r.circuits[source] = c
	}
	return c
}

func (r *CircuitRegistry) tick(source string, c *circuit) {
	if c.state == CircuitOpen && !r.clock.Now().Before(c.openUntil) {
		r.transition(source, c, CircuitHalfOpen)
		c.halfOpenSuccesses = 0
	}
}

func (r *CircuitRegistry) open(source string, c *circuit, now time.Time) {
	c.openedAt = now
	c.openUntil = now.Add(r.cfg.OpenFor)
	c.halfOpenSuccesses = 0
	r.transition(source, c, CircuitOpen)
}

func (r *CircuitRegistry) transition(source string, c *circuit, next CircuitState) {
	if c.state == next {
		return
	}
	r.logger.Info("circuit state change",
		zap.String("source", source),
		zap.String("from", string(c.state)),
		zap.String("to", string(next)),
	)
	c.state = next
	metrics.ObserveCircuitTransition(source, string(next))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	ts := t
	return &ts
}
