// Package pipeline runs logical fetch requests through fast-mode shaping,
// fingerprinting, the response cache, and single-flight execution.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/cache"
	"github.com/fetchgate/fetchgate/internal/dedup"
	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// Executor runs one request to completion under resilience policy.
type Executor interface {
	Execute(ctx context.Context, req fetch.Request) (fetch.Outcome, error)
}

// Config tunes the pipeline.
type Config struct {
	// CacheDisabled forces every request through the bypass path.
	CacheDisabled     bool
	FastModeEnabled   bool
	FastModeMaxFields int
	// FastModeDefaults maps source -> operation -> default field set used when
	// a fast-mode request names no fields.
	FastModeDefaults map[string]map[string][]string
	SWREnabled       bool
	DefaultTimeout   time.Duration
}

// Pipeline is the fetch entry point above the admission queue.
type Pipeline struct {
	cfg      Config
	cache    *cache.ResponseCache
	dedup    *dedup.Group
	executor Executor
	clock    fetch.Clock
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(cfg Config, responseCache *cache.ResponseCache, group *dedup.Group, executor Executor, clock fetch.Clock, logger *zap.Logger) *Pipeline {
	if cfg.FastModeMaxFields <= 0 {
		cfg.FastModeMaxFields = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	metrics.Init()
	return &Pipeline{
		cfg:      cfg,
		cache:    responseCache,
		dedup:    group,
		executor: executor,
		clock:    clock,
		logger:   logger,
	}
}

// Fetch runs one request and annotates the result with cache, dedup and
// latency metadata.
func (p *Pipeline) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	start := p.clock.Now()
	var stages []fetch.StageLatency
	mark := func(name string, from time.Time) time.Time {
		now := p.clock.Now()
		stages = append(stages, fetch.StageLatency{Name: name, DurationMs: now.Sub(from).Milliseconds()})
		return now
	}
	finish := func(res fetch.Result) fetch.Result {
		res.Stages = stages
		res.LatencyMs = p.clock.Now().Sub(start).Milliseconds()
		return res
	}

	if err := validate(req); err != nil {
		return fetch.Result{}, err
	}
	if p.cfg.CacheDisabled {
		req.CacheMode = fetch.CacheModeBypass
	}

	// Field shaping must precede fingerprinting so cache entries partition by
	// the effective field set.
	req, fastMode := p.applyFastMode(req)
	fingerprint, err := fetch.Fingerprint(req)
	if err != nil {
		return fetch.Result{}, fetch.Classify(err)
	}
	at := mark("fingerprint", start)

	switch req.CacheMode {
	case fetch.CacheModeBypass:
		outcome, deduplicated, err := p.execute(ctx, "bypass:"+fingerprint, req, false)
		mark("execute", at)
		if err != nil {
			return fetch.Result{}, err
		}
		return finish(fetch.Result{
			Outcome:      outcome,
			Cache:        fetch.CacheInfo{State: fetch.CacheStateMiss},
			Deduplicated: deduplicated,
			FastMode:     fastMode,
		}), nil

	case fetch.CacheModeRefresh:
		outcome, deduplicated, err := p.execute(ctx, fingerprint, req, true)
		mark("execute", at)
		if err != nil {
			return fetch.Result{}, err
		}
		return finish(fetch.Result{
			Outcome:      outcome,
			Cache:        fetch.CacheInfo{State: fetch.CacheStateMiss},
			Deduplicated: deduplicated,
			FastMode:     fastMode,
		}), nil
	}

	lookup, err := p.cache.Get(ctx, fingerprint)
	if err != nil {
		// A broken cache backend degrades to a miss rather than failing the
		// request.
		p.logger.Warn("cache lookup failed", zap.String("source", req.Source), zap.Error(err))
		lookup = cache.Lookup{State: fetch.CacheStateMiss}
	}
	at = mark("cache_lookup", at)

	switch lookup.State {
	case fetch.CacheStateFresh:
		outcome, err := decodeOutcome(lookup.Value)
		if err == nil {
			return finish(fetch.Result{
				Outcome:  outcome,
				Cache:    fetch.CacheInfo{Hit: true, State: fetch.CacheStateFresh},
				FastMode: fastMode,
			}), nil
		}
		p.logger.Warn("discarding undecodable cache entry", zap.String("source", req.Source), zap.Error(err))

	case fetch.CacheStateStale:
		// Without revalidation a stale entry is as good as absent: fall
		// through and execute synchronously with a write-back.
		if !p.cfg.SWREnabled {
			break
		}
		outcome, err := decodeOutcome(lookup.Value)
		if err == nil {
			p.revalidate(ctx, fingerprint, req)
			return finish(fetch.Result{
				Outcome:  outcome,
				Cache:    fetch.CacheInfo{Hit: true, State: fetch.CacheStateStale},
				FastMode: fastMode,
			}), nil
		}
		p.logger.Warn("discarding undecodable cache entry", zap.String("source", req.Source), zap.Error(err))
	}

	outcome, deduplicated, err := p.execute(ctx, fingerprint, req, true)
	mark("execute", at)
	if err != nil {
		return fetch.Result{}, err
	}
	return finish(fetch.Result{
		Outcome:      outcome,
		Cache:        fetch.CacheInfo{State: fetch.CacheStateMiss},
		Deduplicated: deduplicated,
		FastMode:     fastMode,
	}), nil
}

// execute runs the request under single-flight, optionally writing the
// outcome back to the cache inside the flight so only one caller writes.
func (p *Pipeline) execute(ctx context.Context, key string, req fetch.Request, writeBack bool) (fetch.Outcome, bool, error) {
	v, deduplicated, err := p.dedup.Run(key, func() (any, error) {
		outcome, err := p.executor.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		outcome.FetchedAt = p.clock.Now()
		if writeBack {
			if err := p.writeCache(ctx, key, outcome); err != nil {
				p.logger.Warn("cache write failed", zap.String("source", req.Source), zap.Error(err))
			}
		}
		return outcome, nil
	})
	if err != nil {
		return fetch.Outcome{}, deduplicated, fetch.Classify(err)
	}
	outcome := v.(fetch.Outcome)
	if deduplicated {
		metrics.ObserveDedup()
		// Joiners get their own copy so no two callers alias the data map.
		outcome = outcome.Clone()
	}
	return outcome, deduplicated, nil
}

// revalidate refreshes a stale entry in the background, detached from the
// caller's cancellation. Failures are logged only.
func (p *Pipeline) revalidate(ctx context.Context, fingerprint string, req fetch.Request) {
	timeout := req.Timeout(p.cfg.DefaultTimeout)
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		if _, _, err := p.execute(detached, fingerprint, req, true); err != nil {
			metrics.ObserveStaleRevalidation("failure")
			p.logger.Warn("stale revalidation failed",
				zap.String("source", req.Source),
				zap.String("operation", req.Operation),
				zap.Error(err),
			)
			return
		}
		metrics.ObserveStaleRevalidation("success")
	}()
}

func (p *Pipeline) writeCache(ctx context.Context, fingerprint string, outcome fetch.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return p.cache.Set(ctx, fingerprint, raw)
}

// applyFastMode substitutes the per-source default field set when a fast-mode
// request names none, and truncates oversized sets.
func (p *Pipeline) applyFastMode(req fetch.Request) (fetch.Request, bool) {
	if !req.FastMode || !p.cfg.FastModeEnabled {
		return req, false
	}
	if len(req.Fields) == 0 {
		if ops, ok := p.cfg.FastModeDefaults[req.Source]; ok {
			req.Fields = append([]string(nil), ops[req.Operation]...)
		}
	}
	if len(req.Fields) > p.cfg.FastModeMaxFields {
		p.logger.Warn("truncating fast-mode field set",
			zap.String("source", req.Source),
			zap.String("operation", req.Operation),
			zap.Int("requested", len(req.Fields)),
			zap.Int("max", p.cfg.FastModeMaxFields),
		)
		req.Fields = req.Fields[:p.cfg.FastModeMaxFields]
	}
	return req, true
}

func decodeOutcome(raw json.RawMessage) (fetch.Outcome, error) {
	var outcome fetch.Outcome
	err := json.Unmarshal(raw, &outcome)
	return outcome, err
}

func validate(req fetch.Request) error {
	if req.Source == "" {
		return fetch.NewError(fetch.CodeValidation, "source is required")
	}
	if req.Operation == "" {
		return fetch.NewError(fetch.CodeValidation, "operation is required")
	}
	switch req.CacheMode {
	case "", fetch.CacheModeDefault, fetch.CacheModeBypass, fetch.CacheModeRefresh:
		return nil
	default:
		return fetch.NewError(fetch.CodeValidation, "unknown cache mode %q", req.CacheMode)
	}
}
