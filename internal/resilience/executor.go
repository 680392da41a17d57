package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// RateWaiter paces extractor calls per source.
type RateWaiter interface {
	Wait(ctx context.Context, source string) error
}

// ExecutorConfig tunes the attempt loop.
type ExecutorConfig struct {
	DefaultTimeout           time.Duration
	SourceQuarantineDuration time.Duration
}

// Executor runs one logical request through the extractor under retry,
// circuit, quarantine, and rotation policy, recording a checkpoint trace
// either way.
type Executor struct {
	cfg          ExecutorConfig
	extractor    fetch.Extractor
	retry        *RetryPolicy
	circuits     *CircuitRegistry
	quarantine   *QuarantineRegistry
	proxies      *ProxyPool
	fingerprints *FingerprintPool
	checkpoints  *CheckpointStore
	deadLetters  *DeadLetterStore
	incidents    *IncidentReporter
	limiter      RateWaiter
	clock        fetch.Clock
	ids          fetch.IDGenerator
	logger       *zap.Logger
}

// NewExecutor wires the attempt loop over its collaborators.
func NewExecutor(
	cfg ExecutorConfig,
	extractor fetch.Extractor,
	retry *RetryPolicy,
	circuits *CircuitRegistry,
	quarantine *QuarantineRegistry,
	proxies *ProxyPool,
	fingerprints *FingerprintPool,
	checkpoints *CheckpointStore,
	deadLetters *DeadLetterStore,
	incidents *IncidentReporter,
	limiter RateWaiter,
	clock fetch.Clock,
	ids fetch.IDGenerator,
	logger *zap.Logger,
) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.SourceQuarantineDuration <= 0 {
		cfg.SourceQuarantineDuration = 15 * time.Minute
	}
	metrics.Init()
	return &Executor{
		cfg:          cfg,
		extractor:    extractor,
		retry:        retry,
		circuits:     circuits,
		quarantine:   quarantine,
		proxies:      proxies,
		fingerprints: fingerprints,
		checkpoints:  checkpoints,
		deadLetters:  deadLetters,
		incidents:    incidents,
		limiter:      limiter,
		clock:        clock,
		ids:          ids,
		logger:       logger,
	}
}

// Execute runs the request to completion, retrying per policy. The returned
// outcome is annotated with the attempt number and the identity ids used.
func (e *Executor) Execute(ctx context.Context, req fetch.Request) (fetch.Outcome, error) {
	requestID, err := e.ids.NewID()
	if err != nil {
		return fetch.Outcome{}, fetch.Classify(err)
	}
	e.checkpoints.Start(requestID, req.Source, req.Operation)

	start := e.clock.Now()
	var terminal *fetch.Error
	var lastProxy ProxyCandidate
	var lastFingerprint FingerprintCandidate

	for attempt := 1; attempt <= e.retry.MaxAttempts(); attempt++ {
		proxy := e.proxies.Next()
		fingerprint := e.fingerprints.Next()
		lastProxy, lastFingerprint = proxy, fingerprint

		e.checkpoints.Stage(requestID, "attempt_start", map[string]any{
			"attempt":        attempt,
			"proxy_id":       proxy.ID,
			"fingerprint_id": fingerprint.ID,
		})

		outcome, attemptErr := e.attempt(ctx, req, proxy, fingerprint, attempt)
		if attemptErr == nil {
			e.circuits.RecordSuccess(req.Source)
			e.proxies.ReportSuccess(proxy.ID)
			e.fingerprints.ReportSuccess(fingerprint.ID)
			e.checkpoints.Stage(requestID, "attempt_success", map[string]any{"attempt": attempt})
			e.checkpoints.Succeed(requestID)
			metrics.ObserveAttempt(req.Source, "success")
			metrics.ObserveFetchDuration(req.Source, e.clock.Now().Sub(start))

			outcome.Attempt = attempt
			outcome.ProxyID = proxy.ID
			outcome.FingerprintID = fingerprint.ID
			return outcome, nil
		}

		terminal = fetch.Classify(attemptErr)
		e.recordFailure(ctx, req, proxy, fingerprint, terminal)
		e.checkpoints.Stage(requestID, "attempt_failure", map[string]any{
			"attempt": attempt,
			"code":    string(terminal.Code),
			"message": terminal.Message,
		})
		metrics.ObserveAttempt(req.Source, "failure")

		decision := e.retry.Decide(terminal, attempt)
		if !decision.Retry {
			break
		}
		metrics.ObserveRetry(req.Source, string(decision.Category))
		e.logger.Info("retry scheduled",
			zap.String("source", req.Source),
			zap.String("operation", req.Operation),
			zap.Int("attempt", attempt),
			zap.String("code", string(terminal.Code)),
			zap.Duration("delay", decision.Delay),
		)
		if err := sleep(ctx, decision.Delay); err != nil {
			terminal = fetch.Classify(err)
			break
		}
	}

	e.checkpoints.Fail(requestID, terminal)
	e.deadLetter(ctx, req, terminal, lastProxy.ID, lastFingerprint.ID)
	metrics.ObserveFetchDuration(req.Source, e.clock.Now().Sub(start))
	return fetch.Outcome{}, terminal
}

// attempt performs one extractor invocation guarded by quarantine, circuit,
// and rate limit. Quarantine and circuit rejections happen before any call.
func (e *Executor) attempt(ctx context.Context, req fetch.Request, proxy ProxyCandidate, fingerprint FingerprintCandidate, attempt int) (fetch.Outcome, error) {
	if err := e.quarantine.AssertReady(NamespaceSource, req.Source); err != nil {
		return fetch.Outcome{}, err
	}
	if err := e.circuits.Allow(req.Source); err != nil {
		return fetch.Outcome{}, err
	}
	if err := e.limiter.Wait(ctx, req.Source); err != nil {
		return fetch.Outcome{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout(e.cfg.DefaultTimeout))
	defer cancel()

	hints := fetch.IdentityHints{
		ProxyID:       proxy.ID,
		ProxyURL:      proxy.URL,
		FingerprintID: fingerprint.ID,
		UserAgent:     fingerprint.UserAgent,
		Locale:        fingerprint.Locale,
		Platform:      fingerprint.Platform,
		Attempt:       attempt,
	}
	return e.extractor.Execute(attemptCtx, req, hints)
}

// recordFailure feeds one classified failure into the circuit, the rotation
// pools, and, when blocked, the quarantine and incident machinery.
func (e *Executor) recordFailure(ctx context.Context, req fetch.Request, proxy ProxyCandidate, fingerprint FingerprintCandidate, ferr *fetch.Error) {
	// Rejections that never reached the extractor carry no signal about the
	// source's health.
	if ferr.Code == fetch.CodeQuarantined || ferr.Code == fetch.CodeCircuitOpen {
		return
	}

	blocked := ferr.Code == fetch.CodeSourceBlocked
	e.circuits.RecordFailure(req.Source, blocked)
	e.proxies.ReportFailure(proxy.ID, blocked)
	e.fingerprints.ReportFailure(fingerprint.ID, blocked)
	if blocked {
		e.quarantine.Quarantine(NamespaceSource, req.Source, "blocked by anti-automation signal", e.cfg.SourceQuarantineDuration, map[string]any{
			"operation": req.Operation,
			"proxy_id":  proxy.ID,
		})
		e.incidents.ReportBlocked(ctx, req.Source, map[string]any{
			"operation":      req.Operation,
			"proxy_id":       proxy.ID,
			"fingerprint_id": fingerprint.ID,
		})
	}
}

// deadLetter persists the terminal failure and, if persistence succeeded,
// emits a dead-letter incident.
func (e *Executor) deadLetter(ctx context.Context, req fetch.Request, ferr *fetch.Error, proxyID, fingerprintID string) {
	rec := DeadLetterRecord{
		Source:        req.Source,
		Operation:     req.Operation,
		Request:       req,
		Error:         ferr,
		ProxyID:       proxyID,
		FingerprintID: fingerprintID,
	}
	if err := e.deadLetters.Push(ctx, rec); err != nil {
		e.logger.Error("dead-letter push failed",
			zap.String("source", req.Source),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		return
	}
	e.incidents.Report(ctx, IncidentEvent{
		Level:   IncidentWarning,
		Kind:    KindDeadLetter,
		Source:  req.Source,
		Message: "request exhausted its retry budget",
		Details: map[string]any{
			"operation": req.Operation,
			"code":      string(ferr.Code),
		},
	})
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
