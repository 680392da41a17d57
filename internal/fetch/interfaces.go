package fetch

import (
	"context"
	"time"
)

// Extractor performs the site-specific extraction for one request. The
// executor injects the selected identity hints before delegating.
type Extractor interface {
	Execute(ctx context.Context, req Request, hints IdentityHints) (Outcome, error)
}

// KVStore is the durable key-value collaborator used by the response cache,
// the dead-letter store, and anything else needing namespaced persistence.
// Keys are flat strings; namespaces are dot- or colon-delimited prefixes.
type KVStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Scan returns up to limit keys under the prefix. limit <= 0 means all.
	Scan(ctx context.Context, prefix string, limit int) ([]string, error)
	// Close releases the underlying connection, if any.
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
