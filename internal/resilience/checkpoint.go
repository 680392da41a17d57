package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// Checkpoint statuses.
const (
	CheckpointRunning   = "running"
	CheckpointSucceeded = "succeeded"
	CheckpointFailed    = "failed"
)

// StageEvent is one entry in a checkpoint's ordered trace.
type StageEvent struct {
	Name    string         `json:"name"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckpointRecord traces one logical request through its attempt chain.
type CheckpointRecord struct {
	RequestID string       `json:"request_id"`
	Source    string       `json:"source"`
	Operation string       `json:"operation"`
	Status    string       `json:"status"`
	Stages    []StageEvent `json:"stages"`
	Error     *fetch.Error `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CheckpointSummary pairs the most recent records with status totals.
type CheckpointSummary struct {
	Counts  map[string]int     `json:"counts"`
	Records []CheckpointRecord `json:"records"`
}

// CheckpointStore keeps a bounded set of execution traces, evicting the
// record with the oldest update once capacity is exceeded.
type CheckpointStore struct {
	mu       sync.Mutex
	capacity int
	clock    fetch.Clock
	records  map[string]*CheckpointRecord
}

// NewCheckpointStore constructs a store holding at most capacity records.
func NewCheckpointStore(capacity int, clock fetch.Clock) *CheckpointStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &CheckpointStore{
		capacity: capacity,
		clock:    clock,
		records:  make(map[string]*CheckpointRecord),
	}
}

// Start opens a running record for the request, evicting the oldest-updated
// record if the store is full.
func (s *CheckpointStore) Start(requestID, source, operation string) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[requestID]; !ok && len(s.records) >= s.capacity {
		s.evictOldest()
	}
	s.records[requestID] = &CheckpointRecord{
		RequestID: requestID,
		Source:    source,
		Operation: operation,
		Status:    CheckpointRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Stage appends a stage event to the request's trace. Unknown request ids
// are ignored, which can happen after eviction under load.
func (s *CheckpointStore) Stage(requestID, name string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return
	}
	now := s.clock.Now()
	rec.Stages = append(rec.Stages, StageEvent{Name: name, At: now, Details: details})
	rec.UpdatedAt = now
}

// Succeed marks the record as succeeded.
func (s *CheckpointStore) Succeed(requestID string) {
	s.finish(requestID, CheckpointSucceeded, nil)
}

// Fail marks the record as failed with its terminal error.
func (s *CheckpointStore) Fail(requestID string, err error) {
	s.finish(requestID, CheckpointFailed, fetch.Classify(err))
}

func (s *CheckpointStore) finish(requestID, status string, ferr *fetch.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return
	}
	rec.Status = status
	rec.Error = ferr
	rec.UpdatedAt = s.clock.Now()
}

// Snapshot returns the limit most recently updated records plus aggregate
// counts by status. A non-positive limit returns all records.
func (s *CheckpointStore) Snapshot(limit int) CheckpointSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{
		CheckpointRunning:   0,
		CheckpointSucceeded: 0,
		CheckpointFailed:    0,
	}
	records := make([]CheckpointRecord, 0, len(s.records))
	for _, rec := range s.records {
		counts[rec.Status]++
		cp := *rec
		cp.Stages = append([]StageEvent(nil), rec.Stages...)
		records = append(records, cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return CheckpointSummary{Counts: counts, Records: records}
}

// evictOldest drops the record with the oldest update. Callers hold s.mu.
func (s *CheckpointStore) evictOldest() {
	var oldestID string
	var oldestAt time.Time
	for id, rec := range s.records {
		if oldestID == "" || rec.UpdatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = rec.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.records, oldestID)
	}
}
