package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// Incident levels.
const (
	IncidentWarning  = "warning"
	IncidentCritical = "critical"
)

// Incident kinds emitted by this package. The executor and pipeline may add
// their own kinds.
const (
	KindSourceBlocked = "source_blocked"
	KindBlockedSpike  = "blocked_spike"
	KindDeadLetter    = "dead_letter"
)

// IncidentEvent is one entry in the reporter's ring buffer.
type IncidentEvent struct {
	Level     string         `json:"level"`
	Kind      string         `json:"kind"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IncidentPublisher fans incidents out to an external bus. Delivery is
// best-effort; errors are logged and swallowed.
type IncidentPublisher interface {
	Publish(ctx context.Context, event IncidentEvent) error
}

// IncidentConfig tunes the reporter.
type IncidentConfig struct {
	BufferSize     int
	BlockedWindow  time.Duration
	SpikeThreshold int
	WebhookURL     string
	WebhookTimeout time.Duration
}

// IncidentReporter keeps a capped ring of incidents and watches per-source
// blocked signals for spikes.
type IncidentReporter struct {
	mu        sync.Mutex
	cfg       IncidentConfig
	clock     fetch.Clock
	logger    *zap.Logger
	publisher IncidentPublisher
	client    *http.Client
	events    []IncidentEvent
	blockedAt map[string][]time.Time
}

// NewIncidentReporter constructs a reporter. publisher may be nil.
func NewIncidentReporter(cfg IncidentConfig, publisher IncidentPublisher, clock fetch.Clock, logger *zap.Logger) *IncidentReporter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 200
	}
	if cfg.BlockedWindow <= 0 {
		cfg.BlockedWindow = 5 * time.Minute
	}
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = 5
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Second
	}
	metrics.Init()
	return &IncidentReporter{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		publisher: publisher,
		client:    &http.Client{Timeout: cfg.WebhookTimeout},
		blockedAt: make(map[string][]time.Time),
	}
}

// Report appends an incident, stamps it, and delivers it to the webhook and
// publisher. Delivery failures never propagate to the caller.
func (r *IncidentReporter) Report(ctx context.Context, event IncidentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	if event.Level == "" {
		event.Level = IncidentWarning
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if len(r.events) > r.cfg.BufferSize {
		r.events = r.events[len(r.events)-r.cfg.BufferSize:]
	}
	r.mu.Unlock()

	metrics.ObserveIncident(event.Level, event.Kind)
	r.logger.Warn("incident",
		zap.String("level", event.Level),
		zap.String("kind", event.Kind),
		zap.String("source", event.Source),
		zap.String("message", event.Message),
	)
	r.deliver(ctx, event)
}

// ReportBlocked records a blocked signal for the source, emits a warning
// incident, and escalates to a critical blocked_spike once the count inside
// the sliding window reaches the threshold. The window resets after a spike
// so one sustained burst produces one escalation.
func (r *IncidentReporter) ReportBlocked(ctx context.Context, source string, details map[string]any) {
	now := r.clock.Now()

	r.mu.Lock()
	cutoff := now.Add(-r.cfg.BlockedWindow)
	marks := r.blockedAt[source]
	kept := marks[:0]
	for _, t := range marks {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	spike := len(kept) >= r.cfg.SpikeThreshold
	if spike {
		kept = nil
	}
	r.blockedAt[source] = kept
	r.mu.Unlock()

	r.Report(ctx, IncidentEvent{
		Level:   IncidentWarning,
		Kind:    KindSourceBlocked,
		Source:  source,
		Message: "source returned an anti-automation signal",
		Details: details,
	})
	if spike {
		r.Report(ctx, IncidentEvent{
			Level:   IncidentCritical,
			Kind:    KindBlockedSpike,
			Source:  source,
			Message: "blocked signals exceeded the spike threshold",
			Details: map[string]any{
				"threshold": r.cfg.SpikeThreshold,
				"window":    r.cfg.BlockedWindow.String(),
			},
		})
	}
}

// Recent returns up to limit newest incidents, newest first. A non-positive
// limit returns the whole buffer.
func (r *IncidentReporter) Recent(limit int) []IncidentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]IncidentEvent, n)
	for i := 0; i < n; i++ {
		out[i] = r.events[len(r.events)-1-i]
	}
	return out
}

func (r *IncidentReporter) deliver(ctx context.Context, event IncidentEvent) {
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("incident publish failed", zap.String("kind", event.Kind), zap.Error(err))
		}
	}
	if r.cfg.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		r.logger.Warn("incident webhook request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("incident webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Warn("incident webhook rejected", zap.Int("status", resp.StatusCode))
	}
}
