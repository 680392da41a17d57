// Package memory contains an in-memory incident publisher for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/fetchgate/fetchgate/internal/resilience"
)

// Publisher records published incidents for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []resilience.IncidentEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the incident.
func (p *Publisher) Publish(_ context.Context, event resilience.IncidentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded incidents.
func (p *Publisher) Events() []resilience.IncidentEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]resilience.IncidentEvent, len(p.events))
	copy(out, p.events)
	return out
}
