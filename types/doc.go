// Package types defines the shared data model of the collaboration core:
// agent profiles, task requirements, teams, context items, learning events,
// and the unified structured error type used across all components.
package types
