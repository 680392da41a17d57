package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

const (
	deadLetterEntryPrefix = "deadletter:entry:"
	deadLetterIndexKey    = "deadletter:index"
)

// DeadLetterRecord captures a request that exhausted its retry budget.
type DeadLetterRecord struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"created_at"`
	Source        string        `json:"source"`
	Operation     string        `json:"operation"`
	Request       fetch.Request `json:"request"`
	Error         *fetch.Error  `json:"error"`
	ProxyID       string        `json:"proxy_id,omitempty"`
	FingerprintID string        `json:"fingerprint_id,omitempty"`
}

// DeadLetterConfig tunes the store.
type DeadLetterConfig struct {
	MaxEntries int
	Retention  time.Duration
}

// Archive receives evicted and pruned payloads before they are deleted from
// the durable store. Implementations write to cold storage.
type Archive interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// DeadLetterStore persists terminal failures in a durable key-value store
// with a FIFO-evicted index, mirrored in memory so snapshot reads avoid a
// store round trip.
type DeadLetterStore struct {
	mu      sync.Mutex
	cfg     DeadLetterConfig
	kv      fetch.KVStore
	archive Archive
	clock   fetch.Clock
	ids     fetch.IDGenerator
	logger  *zap.Logger
	mirror  []DeadLetterRecord

	// persistMu serializes compact and purge end to end. The index snapshot
	// and its durable write must be atomic relative to other writers, or a
	// slow writer's stale index overwrites a newer one.
	persistMu sync.Mutex
}

// NewDeadLetterStore constructs a store over the given backend. archive may
// be nil when cold storage is not configured.
func NewDeadLetterStore(cfg DeadLetterConfig, kv fetch.KVStore, archive Archive, clock fetch.Clock, ids fetch.IDGenerator, logger *zap.Logger) *DeadLetterStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	metrics.Init()
	return &DeadLetterStore{
		cfg:     cfg,
		kv:      kv,
		archive: archive,
		clock:   clock,
		ids:     ids,
		logger:  logger,
	}
}

// Init loads the persisted index into the in-memory mirror and applies
// retention pruning once at startup.
func (s *DeadLetterStore) Init(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, deadLetterIndexKey)
	if err != nil {
		return fmt.Errorf("loading dead-letter index: %w", err)
	}
	if !ok {
		return nil
	}
	var index []string
	if err := json.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("decoding dead-letter index: %w", err)
	}

	mirror := make([]DeadLetterRecord, 0, len(index))
	for _, id := range index {
		entry, ok, err := s.kv.Get(ctx, deadLetterEntryPrefix+id)
		if err != nil {
			return fmt.Errorf("loading dead-letter entry %s: %w", id, err)
		}
		if !ok {
			continue
		}
		var rec DeadLetterRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			s.logger.Warn("dropping undecodable dead-letter entry", zap.String("id", id), zap.Error(err))
			continue
		}
		mirror = append(mirror, rec)
	}

	s.mu.Lock()
	s.mirror = mirror
	s.mu.Unlock()
	return s.compact(ctx)
}

// Push persists the record, prepends it to the index, and evicts beyond the
// configured maximum. Missing id and timestamp are filled in.
func (s *DeadLetterStore) Push(ctx context.Context, rec DeadLetterRecord) error {
	if rec.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generating dead-letter id: %w", err)
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead-letter record: %w", err)
	}
	if err := s.kv.Set(ctx, deadLetterEntryPrefix+rec.ID, payload, 0); err != nil {
		return fmt.Errorf("persisting dead-letter record: %w", err)
	}

	s.mu.Lock()
	s.mirror = append([]DeadLetterRecord{rec}, s.mirror...)
	s.mu.Unlock()

	metrics.ObserveDeadLetter(rec.Source)
	s.logger.Warn("dead-lettered request",
		zap.String("id", rec.ID),
		zap.String("source", rec.Source),
		zap.String("operation", rec.Operation),
		zap.String("code", string(rec.Error.Code)),
	)
	return s.compact(ctx)
}

// Snapshot returns up to limit newest records from the mirror. A
// non-positive limit returns all of them.
func (s *DeadLetterStore) Snapshot(limit int) []DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.mirror)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetterRecord, n)
	copy(out, s.mirror[:n])
	return out
}

// Total returns the current queue length.
func (s *DeadLetterStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mirror)
}

// Purge deletes every record and the index.
func (s *DeadLetterStore) Purge(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	keys := make([]string, 0, len(s.mirror)+1)
	for _, rec := range s.mirror {
		keys = append(keys, deadLetterEntryPrefix+rec.ID)
	}
	keys = append(keys, deadLetterIndexKey)
	s.mirror = nil
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("purging dead-letter store: %w", err)
	}
	return nil
}

// compact applies retention pruning and FIFO eviction to the mirror, deletes
// the dropped payloads (archiving them first when an archive is configured),
// and rewrites the index.
func (s *DeadLetterStore) compact(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	now := s.clock.Now()

	s.mu.Lock()
	kept := s.mirror[:0:0]
	var dropped []DeadLetterRecord
	for _, rec := range s.mirror {
		if s.cfg.Retention > 0 && now.Sub(rec.CreatedAt) > s.cfg.Retention {
			dropped = append(dropped, rec)
			continue
		}
		kept = append(kept, rec)
	}
	if len(kept) > s.cfg.MaxEntries {
		dropped = append(dropped, kept[s.cfg.MaxEntries:]...)
		kept = kept[:s.cfg.MaxEntries]
	}
	s.mirror = kept
	index := make([]string, len(kept))
	for i, rec := range kept {
		index[i] = rec.ID
	}
	s.mu.Unlock()

	for _, rec := range dropped {
		s.archiveRecord(ctx, rec)
	}
	if len(dropped) > 0 {
		keys := make([]string, len(dropped))
		for i, rec := range dropped {
			keys[i] = deadLetterEntryPrefix + rec.ID
		}
		if err := s.kv.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("evicting dead-letter entries: %w", err)
		}
	}

	payload, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding dead-letter index: %w", err)
	}
	if err := s.kv.Set(ctx, deadLetterIndexKey, payload, 0); err != nil {
		return fmt.Errorf("persisting dead-letter index: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) archiveRecord(ctx context.Context, rec DeadLetterRecord) {
	if s.archive == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := fmt.Sprintf("deadletters/%s/%s.json", rec.CreatedAt.UTC().Format("2006/01/02"), rec.ID)
	if _, err := s.archive.Put(ctx, path, "application/json", payload); err != nil {
		s.logger.Warn("dead-letter archive write failed", zap.String("id", rec.ID), zap.Error(err))
	}
}
