// Package learning records collaboration episodes: which team handled a
// task, how the negotiation went, and what the outcome was.
//
// Episode records are append-only and write-once. The recorder persists
// them asynchronously with bounded retries so a durable-store hiccup never
// blocks task completion.
package learning
