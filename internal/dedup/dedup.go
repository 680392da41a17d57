// Package dedup provides single-flight execution keyed by request fingerprint.
package dedup

import (
	"golang.org/x/sync/singleflight"

	"github.com/fetchgate/fetchgate/internal/metrics"
)

// Group coalesces concurrent executions that share a key. At most one
// execution per key is outstanding at any instant; callers that join an
// in-flight execution receive its result and are marked deduplicated.
type Group struct {
	sf singleflight.Group
}

// New constructs a Group.
func New() *Group {
	metrics.Init()
	return &Group{}
}

// Run executes fn under the key, or joins an execution already in flight.
// The returned flag reports whether this caller was coalesced into another
// caller's execution. The registration is removed when the execution settles,
// success or failure, so later callers never join a dead flight.
func (g *Group) Run(key string, fn func() (any, error)) (any, bool, error) {
	executed := false
	v, err, _ := g.sf.Do(key, func() (any, error) {
		executed = true
		return fn()
	})
	// The closure only runs for the initiating caller; for everyone else the
	// flag stays false.
	if !executed {
		metrics.ObserveDedup()
	}
	return v, !executed, err
}
