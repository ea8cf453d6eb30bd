// Package contextstore holds each task's shared collaboration context as
// per-key chains of immutable versioned items.
//
// Writes use optimistic concurrency: a writer names the predecessor version
// it based its value on, and the store commits only if that predecessor is
// still the latest. The loser of a race gets a retryable VERSION_CONFLICT
// and is expected to re-read and retry. Versions per key are strictly
// increasing with no gaps, so the chain doubles as an audit log.
//
// Subscriptions are restartable cursors over a key's version chain: replay
// from a version, then live delivery, never blocking writers.
package contextstore
