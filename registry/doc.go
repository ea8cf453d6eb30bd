// Package registry tracks known agents with their declared capabilities and
// load, and matches task requirements against them.
//
// The registry is the leaf component of the collaboration core: it holds
// agent profiles in memory, guards availability transitions with per-agent
// compare-and-swap, and notifies subscribed handlers about churn. The
// matcher is a deterministic function over registry state: for a fixed
// registry and requirement it always returns the same ordered candidates.
package registry
