package resilience

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// Quarantine namespaces. Sources and proxies are tracked independently so a
// poisoned proxy does not mark its source and vice versa.
const (
	NamespaceSource = "source"
	NamespaceProxy  = "proxy"
)

// QuarantineConfig tunes the registry.
type QuarantineConfig struct {
	DefaultDuration time.Duration
}

// QuarantineEntry is a read-only view of one quarantined identifier.
type QuarantineEntry struct {
	Namespace string         `json:"namespace"`
	ID        string         `json:"id"`
	Reason    string         `json:"reason"`
	Since     time.Time      `json:"since"`
	Until     time.Time      `json:"until"`
	Details   map[string]any `json:"details,omitempty"`
}

// QuarantineRegistry tracks identifiers that are temporarily withdrawn from
// rotation. Expired entries are pruned lazily on read.
type QuarantineRegistry struct {
	mu      sync.Mutex
	cfg     QuarantineConfig
	clock   fetch.Clock
	logger  *zap.Logger
	entries map[string]map[string]QuarantineEntry
}

// NewQuarantineRegistry constructs a registry.
func NewQuarantineRegistry(cfg QuarantineConfig, clock fetch.Clock, logger *zap.Logger) *QuarantineRegistry {
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 15 * time.Minute
	}
	return &QuarantineRegistry{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]map[string]QuarantineEntry),
	}
}

// Quarantine withdraws the identifier for the given duration; a non-positive
// duration uses the configured default. Re-quarantining an identifier
// replaces its entry, extending the window from now.
func (r *QuarantineRegistry) Quarantine(namespace, id, reason string, duration time.Duration, details map[string]any) {
	if duration <= 0 {
		duration = r.cfg.DefaultDuration
	}
	now := r.clock.Now()
	entry := QuarantineEntry{
		Namespace: namespace,
		ID:        id,
		Reason:    reason,
		Since:     now,
		Until:     now.Add(duration),
		Details:   details,
	}

	r.mu.Lock()
	ns, ok := r.entries[namespace]
	if !ok {
		ns = make(map[string]QuarantineEntry)
		r.entries[namespace] = ns
	}
	ns[id] = entry
	r.mu.Unlock()

	r.logger.Warn("quarantined",
		zap.String("namespace", namespace),
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Time("until", entry.Until),
	)
}

// AssertReady returns a quarantined error if the identifier is currently
// withdrawn, nil otherwise.
func (r *QuarantineRegistry) AssertReady(namespace, id string) error {
	r.mu.Lock()
	entry, ok := r.lookup(namespace, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return fetch.NewError(fetch.CodeQuarantined, "%s %q is quarantined: %s", namespace, id, entry.Reason).
		WithDetail("until", entry.Until)
}

// IsQuarantined reports whether the identifier is currently withdrawn.
func (r *QuarantineRegistry) IsQuarantined(namespace, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookup(namespace, id)
	return ok
}

// Release removes the identifier's entry ahead of its expiry.
func (r *QuarantineRegistry) Release(namespace, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.entries[namespace]; ok {
		delete(ns, id)
	}
}

// Snapshot returns active entries across all namespaces, sorted by namespace
// then identifier.
func (r *QuarantineRegistry) Snapshot() []QuarantineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []QuarantineEntry
	for _, ns := range r.entries {
		for id, entry := range ns {
			if now.After(entry.Until) {
				delete(ns, id)
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// lookup returns the live entry for namespace/id, pruning it when expired.
// Callers must hold r.mu.
func (r *QuarantineRegistry) lookup(namespace, id string) (QuarantineEntry, bool) {
	ns, ok := r.entries[namespace]
	if !ok {
		return QuarantineEntry{}, false
	}
	entry, ok := ns[id]
	if !ok {
		return QuarantineEntry{}, false
	}
	if r.clock.Now().After(entry.Until) {
		delete(ns, id)
		return QuarantineEntry{}, false
	}
	return entry, true
}
