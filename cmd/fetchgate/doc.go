// Package main hosts the fetch gateway service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, fetch submission, and reliability
//     inspection endpoints. Fetch requests are validated, shaped, and handed to the admission queue.
//   - Admission queue: requests pass through a bounded queue with a fixed concurrency limit sized by
//     config.Queue. Overflow is rejected immediately; the queue supports pause, resume, and drain for
//     operational control.
//   - Fetch pipeline: admitted requests are fingerprinted and served from the response cache when
//     fresh, served stale with a background revalidation when enabled, and otherwise deduplicated so
//     that concurrent identical requests share a single upstream execution.
//   - Resilient execution: the executor runs each request through per-source rate limiting, circuit
//     breaking, quarantine checks, and proxy/fingerprint rotation, retrying transient failures with
//     jittered backoff. Blocked responses quarantine the source and egress identity and raise
//     incidents; exhausted requests land in the dead-letter store with a full checkpoint trace.
//   - Extraction: a Colly-based extractor fetches and parses configured sources via CSS selectors,
//     with an optional headless Chromedp extractor for script-rendered pages.
//   - Persistence & fanout: cache entries and dead letters live in the configured key-value store
//     (memory/Redis/Postgres); evicted dead letters can be archived to blob storage
//     (memory/local/GCS); incidents fan out to an optional webhook and Pub/Sub topic.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured
//     logging; Prometheus metrics are exported via /metrics.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker slots; headless rendering has its own
//     semaphore inside the Chromedp extractor. Shutdown drains the queue before exit.
//   - The process reacts to SIGINT/SIGTERM: the HTTP server stops accepting work, the queue drains
//     within config.Queue.DrainTimeoutSeconds, and providers close cleanly.
//   - Run locally: go run ./cmd/fetchgate -config config.yaml (or rely solely on FETCHGATE_* env
//     overrides).
package main
