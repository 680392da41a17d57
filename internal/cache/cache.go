// Package cache implements the TTL/stale response cache over a pluggable
// key-value backend.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// clearBatch bounds how many keys one Clear iteration scans and deletes.
const clearBatch = 100

// Config controls envelope lifetimes and the store namespace.
type Config struct {
	TTL       time.Duration
	StaleTTL  time.Duration
	Namespace string
}

// Lookup is the classified result of a cache read.
type Lookup struct {
	State     fetch.CacheState
	Value     json.RawMessage
	WrittenAt time.Time
}

type envelope struct {
	Value      json.RawMessage `json:"value"`
	WrittenAt  time.Time       `json:"written_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	StaleUntil time.Time       `json:"stale_until"`
}

// ResponseCache reads and writes cache envelopes keyed by request fingerprint.
type ResponseCache struct {
	store  fetch.KVStore
	clock  fetch.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a ResponseCache.
func New(store fetch.KVStore, clock fetch.Clock, cfg Config, logger *zap.Logger) *ResponseCache {
	if cfg.Namespace == "" {
		cfg.Namespace = "cache:"
	}
	metrics.Init()
	return &ResponseCache{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *ResponseCache) key(fingerprint string) string {
	return c.cfg.Namespace + fingerprint
}

// Get classifies the entry for the fingerprint as fresh, stale or miss.
// Entries read past their stale bound are lazily evicted.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (Lookup, error) {
	raw, ok, err := c.store.Get(ctx, c.key(fingerprint))
	if err != nil {
		return Lookup{}, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		metrics.ObserveCacheLookup("miss")
		return Lookup{State: fetch.CacheStateMiss}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A corrupt envelope is unusable; drop it and report a miss.
		c.logger.Warn("evicting corrupt cache envelope", zap.String("fingerprint", fingerprint), zap.Error(err))
		c.evict(ctx, fingerprint)
		metrics.ObserveCacheLookup("miss")
		return Lookup{State: fetch.CacheStateMiss}, nil
	}

	now := c.clock.Now()
	switch {
	case !now.After(env.ExpiresAt):
		metrics.ObserveCacheLookup("fresh")
		return Lookup{State: fetch.CacheStateFresh, Value: env.Value, WrittenAt: env.WrittenAt}, nil
	case !now.After(env.StaleUntil):
		metrics.ObserveCacheLookup("stale")
		return Lookup{State: fetch.CacheStateStale, Value: env.Value, WrittenAt: env.WrittenAt}, nil
	default:
		c.evict(ctx, fingerprint)
		metrics.ObserveCacheLookup("miss")
		return Lookup{State: fetch.CacheStateMiss}, nil
	}
}

// Set writes a new envelope for the fingerprint. The backend TTL covers the
// full fresh+stale lifetime so expired entries disappear even without reads.
func (c *ResponseCache) Set(ctx context.Context, fingerprint string, value json.RawMessage) error {
	now := c.clock.Now()
	env := envelope{
		Value:      value,
		WrittenAt:  now,
		ExpiresAt:  now.Add(c.cfg.TTL),
		StaleUntil: now.Add(c.cfg.TTL + c.cfg.StaleTTL),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cache envelope: %w", err)
	}
	if err := c.store.Set(ctx, c.key(fingerprint), raw, c.cfg.TTL+c.cfg.StaleTTL); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	metrics.ObserveCacheWrite()
	return nil
}

// Delete removes the entry for the fingerprint.
func (c *ResponseCache) Delete(ctx context.Context, fingerprint string) error {
	if err := c.store.Delete(ctx, c.key(fingerprint)); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every key under the cache namespace, batch-deleting in
// bounded chunks so networked backends never see a full-keyspace sweep.
func (c *ResponseCache) Clear(ctx context.Context) error {
	for {
		keys, err := c.store.Scan(ctx, c.cfg.Namespace, clearBatch)
		if err != nil {
			return fmt.Errorf("cache clear scan: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		if err := c.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("cache clear delete: %w", err)
		}
		if len(keys) < clearBatch {
			return nil
		}
	}
}

func (c *ResponseCache) evict(ctx context.Context, fingerprint string) {
	if err := c.store.Delete(ctx, c.key(fingerprint)); err != nil {
		c.logger.Warn("cache eviction failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}
	metrics.ObserveCacheEviction()
}
