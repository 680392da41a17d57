// Package main wires together the fetch gateway service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/admission"
	"github.com/fetchgate/fetchgate/internal/api"
	blobgcs "github.com/fetchgate/fetchgate/internal/blob/gcs"
	bloblocal "github.com/fetchgate/fetchgate/internal/blob/local"
	blobmemory "github.com/fetchgate/fetchgate/internal/blob/memory"
	"github.com/fetchgate/fetchgate/internal/cache"
	"github.com/fetchgate/fetchgate/internal/clock/system"
	"github.com/fetchgate/fetchgate/internal/config"
	"github.com/fetchgate/fetchgate/internal/dedup"
	collyx "github.com/fetchgate/fetchgate/internal/extractor/colly"
	headlessx "github.com/fetchgate/fetchgate/internal/extractor/headless"
	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/id/uuid"
	kvmemory "github.com/fetchgate/fetchgate/internal/kv/memory"
	kvpostgres "github.com/fetchgate/fetchgate/internal/kv/postgres"
	kvredis "github.com/fetchgate/fetchgate/internal/kv/redis"
	"github.com/fetchgate/fetchgate/internal/logging"
	"github.com/fetchgate/fetchgate/internal/pipeline"
	memorypublisher "github.com/fetchgate/fetchgate/internal/publisher/memory"
	pubsubpublisher "github.com/fetchgate/fetchgate/internal/publisher/pubsub"
	"github.com/fetchgate/fetchgate/internal/ratelimit"
	"github.com/fetchgate/fetchgate/internal/resilience"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	store, err := buildStore(ctx, cfg, clock)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	defer closeQuietly(logger, "archive", archive)
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer closeQuietly(logger, "publisher", publisher)

	quarantine := resilience.NewQuarantineRegistry(resilience.QuarantineConfig{
		DefaultDuration: time.Duration(cfg.Quarantine.SourceSeconds) * time.Second,
	}, clock, logger.Named("quarantine"))
	circuits := resilience.NewCircuitRegistry(resilience.CircuitConfig{
		FailureThreshold:         cfg.Circuit.FailureThreshold,
		OpenFor:                  time.Duration(cfg.Circuit.OpenSeconds) * time.Second,
		HalfOpenSuccessThreshold: cfg.Circuit.HalfOpenSuccessThreshold,
	}, clock, logger.Named("circuit"))

	rotation := resilience.RotationConfig{
		Enabled:                 cfg.Rotation.Enabled,
		ProxyQuarantineDuration: time.Duration(cfg.Quarantine.ProxySeconds) * time.Second,
	}
	proxies := resilience.NewProxyPool(rotation, proxyCandidates(cfg), quarantine, clock, logger.Named("rotation"))
	fingerprints := resilience.NewFingerprintPool(rotation, fingerprintCandidates(cfg), clock)

	checkpoints := resilience.NewCheckpointStore(cfg.Checkpoint.MaxRecords, clock)
	deadLetters := resilience.NewDeadLetterStore(resilience.DeadLetterConfig{
		MaxEntries: cfg.DeadLetter.MaxEntries,
		Retention:  time.Duration(cfg.DeadLetter.RetentionHours) * time.Hour,
	}, store, archive, clock, idGen, logger.Named("deadletter"))
	if err := deadLetters.Init(ctx); err != nil {
		return fmt.Errorf("init dead letters: %w", err)
	}
	incidents := resilience.NewIncidentReporter(resilience.IncidentConfig{
		BufferSize:     cfg.Incident.BufferSize,
		BlockedWindow:  time.Duration(cfg.Incident.BlockedWindowSeconds) * time.Second,
		SpikeThreshold: cfg.Incident.BlockedSpikeCount,
		WebhookURL:     cfg.Incident.WebhookURL,
	}, publisher, clock, logger.Named("incident"))

	extractor, err := buildExtractor(cfg, logger)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}
	defer closeQuietly(logger, "extractor", extractor)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		SourceRPS:    cfg.RateLimit.SourceRPS,
	})
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		BlockedDelay: time.Duration(cfg.Retry.BlockedDelayMs) * time.Millisecond,
		Jitter:       time.Duration(cfg.Retry.JitterMs) * time.Millisecond,
	})
	executor := resilience.NewExecutor(resilience.ExecutorConfig{
		DefaultTimeout:           time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		SourceQuarantineDuration: time.Duration(cfg.Quarantine.SourceSeconds) * time.Second,
	}, extractor, retry, circuits, quarantine, proxies, fingerprints, checkpoints, deadLetters, incidents, limiter, clock, idGen, logger.Named("executor"))

	responseCache := cache.New(store, clock, cache.Config{
		TTL:      cfg.CacheTTL(),
		StaleTTL: cfg.CacheStaleTTL(),
	}, logger.Named("cache"))
	taskTimeout := time.Duration(cfg.Queue.TaskTimeoutSeconds) * time.Second
	pipe := pipeline.New(pipeline.Config{
		CacheDisabled:     !cfg.Cache.Enabled,
		FastModeEnabled:   cfg.FastMode.Enabled,
		FastModeMaxFields: cfg.FastMode.MaxFields,
		FastModeDefaults:  cfg.FastMode.Defaults,
		SWREnabled:        cfg.Cache.SWREnabled,
		DefaultTimeout:    taskTimeout,
	}, responseCache, dedup.New(), executor, clock, logger.Named("pipeline"))

	queue := admission.New(admission.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxQueued:   cfg.Queue.MaxSize,
		TaskTimeout: taskTimeout,
	}, pipe, logger.Named("queue"))

	drainTimeout := time.Duration(cfg.Queue.DrainTimeoutSeconds) * time.Second
	apiServer := api.NewServer(api.Config{
		AuthEnabled:  cfg.Auth.Enabled,
		APIKey:       cfg.Auth.APIKey,
		DrainTimeout: drainTimeout,
	}, api.Deps{
		Queue:        queue,
		Cache:        responseCache,
		Circuits:     circuits,
		Quarantine:   quarantine,
		Proxies:      proxies,
		Fingerprints: fingerprints,
		Checkpoints:  checkpoints,
		DeadLetters:  deadLetters,
		Incidents:    incidents,
	}, idGen, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if !queue.Drain(drainTimeout) {
		logger.Warn("queue drain timed out")
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, clock fetch.Clock) (fetch.KVStore, error) {
	switch cfg.Store.Provider {
	case "redis":
		return kvredis.New(kvredis.Config{
			URL:      cfg.Store.Redis.URL,
			Password: cfg.Store.Redis.Password,
		})
	case "postgres":
		return kvpostgres.New(ctx, kvpostgres.Config{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: int32(cfg.Store.Postgres.MaxOpenConns),
		}, clock)
	default:
		return kvmemory.New(clock), nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (resilience.Archive, error) {
	if !cfg.DeadLetter.ArchiveEvictions {
		return nil, nil
	}
	switch cfg.DeadLetter.ArchiveProvider {
	case "local":
		return bloblocal.New(cfg.DeadLetter.ArchivePath)
	case "gcs":
		return blobgcs.New(ctx, cfg.DeadLetter.ArchiveBucket)
	default:
		return blobmemory.New(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (resilience.IncidentPublisher, error) {
	switch cfg.Incident.Publisher {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		return pubsubpublisher.New(ctx, cfg.Incident.PubSubProjectID, cfg.Incident.PubSubTopic)
	default:
		return nil, nil
	}
}

func buildExtractor(cfg config.Config, logger *zap.Logger) (fetch.Extractor, error) {
	sources := make(map[string]collyx.SourceConfig, len(cfg.Extractor.Sources))
	for name, src := range cfg.Extractor.Sources {
		ops := make(map[string]collyx.OperationConfig, len(src.Operations))
		for op, entry := range src.Operations {
			ops[op] = collyx.OperationConfig{
				URLTemplate: entry.URLTemplate,
				Selectors:   entry.Selectors,
			}
		}
		sources[name] = collyx.SourceConfig{Operations: ops}
	}
	if cfg.Extractor.Headless {
		return headlessx.New(headlessx.Config{
			Sources:        sources,
			MaxConcurrency: cfg.Extractor.HeadlessMaxPar,
			RenderTimeout:  time.Duration(cfg.Extractor.HeadlessNavSecs) * time.Second,
			UserAgent:      cfg.Extractor.UserAgent,
		}, logger.Named("headless"))
	}
	return collyx.New(collyx.Config{
		Sources:        sources,
		RequestTimeout: time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		UserAgent:      cfg.Extractor.UserAgent,
	}, logger.Named("extractor")), nil
}

func proxyCandidates(cfg config.Config) []resilience.ProxyCandidate {
	out := make([]resilience.ProxyCandidate, 0, len(cfg.Rotation.Proxies))
	for _, p := range cfg.Rotation.Proxies {
		out = append(out, resilience.ProxyCandidate{ID: p.ID, URL: p.URL})
	}
	return out
}

func fingerprintCandidates(cfg config.Config) []resilience.FingerprintCandidate {
	out := make([]resilience.FingerprintCandidate, 0, len(cfg.Rotation.Fingerprints))
	for _, f := range cfg.Rotation.Fingerprints {
		out = append(out, resilience.FingerprintCandidate{
			ID:        f.ID,
			UserAgent: f.UserAgent,
			Locale:    f.Locale,
			Platform:  f.Platform,
		})
	}
	return out
}

func closeQuietly(logger *zap.Logger, name string, v any) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("close failed", zap.String("component", name), zap.Error(err))
		}
	}
}
