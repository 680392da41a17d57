// Package resilience houses the cooperating state machines around the
// extractor: retry policy, circuit breakers, quarantine, rotation pools,
// checkpoints, dead letters, incidents, and the executor composing them.
package resilience

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// RetryConfig controls the adaptive retry policy.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	BlockedDelay time.Duration
	Jitter       time.Duration
}

// Decision is the policy's verdict for one failed attempt.
type Decision struct {
	Retry    bool
	Category fetch.Code
	Delay    time.Duration
}

// RetryPolicy is a pure decision function of (config, error, attempt).
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a policy.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.BlockedDelay <= 0 {
		cfg.BlockedDelay = 2 * time.Second
	}
	return &RetryPolicy{cfg: cfg}
}

// MaxAttempts exposes the configured attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Decide classifies the error and decides whether attempt+1 should happen and
// after what delay. Blocked failures back off by a fixed configured delay;
// other retryable categories back off exponentially, clamped to MaxDelay.
// Jitter is added on top in both cases.
func (p *RetryPolicy) Decide(err error, attempt int) Decision {
	fe := fetch.Classify(err)
	d := Decision{Category: fe.Code}
	if !fe.Code.Retryable() || attempt >= p.cfg.MaxAttempts {
		return d
	}
	d.Retry = true
	d.Delay = p.backoff(fe.Code, attempt) + p.randomJitter(p.cfg.Jitter)
	return d
}

func (p *RetryPolicy) backoff(category fetch.Code, attempt int) time.Duration {
	if category == fetch.CodeSourceBlocked {
		return p.cfg.BlockedDelay
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
