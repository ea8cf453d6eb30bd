package types

import (
	"time"
)

// ContextItem is one versioned fact or artifact in a task's shared context.
// Versions are strictly increasing per key, starting at 1. Predecessor 0
// marks an initial write.
type ContextItem struct {
	// TaskID scopes the item to one task's context.
	TaskID string `json:"task_id"`

	// Key is the context key.
	Key string `json:"key"`

	// Value is the payload.
	Value any `json:"value"`

	// Version is the committed version number for the key.
	Version uint64 `json:"version"`

	// Predecessor is the version this write was based on. Zero for the
	// initial write of a key.
	Predecessor uint64 `json:"predecessor"`

	// WriterID is the agent that committed the write.
	WriterID string `json:"writer_id"`

	// WrittenAt is the commit timestamp.
	WrittenAt time.Time `json:"written_at"`
}

// Clone returns a shallow copy of the item. Value is shared; callers treat
// committed values as immutable.
func (c *ContextItem) Clone() *ContextItem {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// LearningEvent is an immutable record of an episode outcome. Records are
// append-only and never mutated after write.
type LearningEvent struct {
	// EpisodeID identifies the episode record.
	EpisodeID string `json:"episode_id"`

	// TaskID is the task the episode belongs to.
	TaskID string `json:"task_id"`

	// Team is a snapshot of the team at episode end.
	Team AgentTeam `json:"team"`

	// NegotiationID references the negotiation trace for the episode.
	NegotiationID string `json:"negotiation_id,omitempty"`

	// NegotiationRounds is the number of rounds the negotiation ran.
	NegotiationRounds int `json:"negotiation_rounds"`

	// Outcome holds the episode's outcome metrics.
	Outcome map[string]float64 `json:"outcome"`

	// FinalStatus is the terminal task status of the episode.
	FinalStatus TaskStatus `json:"final_status"`

	// RecordedAt is when the episode was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks the event before it is persisted.
func (e *LearningEvent) Validate() error {
	if e == nil {
		return NewError(ErrInvalidInput, "learning event is nil")
	}
	if e.EpisodeID == "" {
		return NewError(ErrInvalidInput, "episode id is empty")
	}
	if e.TaskID == "" {
		return NewError(ErrInvalidInput, "episode task id is empty")
	}
	return nil
}
