package registry

import (
	"context"
	"time"

	"github.com/BaSui01/collabcore/types"
)

// Registry is the agent registry contract.
type Registry interface {
	// Register adds an agent profile. The profile is validated against the
	// capability schema and rejected if the id is taken.
	Register(ctx context.Context, profile *types.AgentProfile) error

	// Unregister removes an agent.
	Unregister(ctx context.Context, agentID string) error

	// Get returns a copy of the agent's profile.
	Get(ctx context.Context, agentID string) (*types.AgentProfile, error)

	// List returns copies of all registered profiles in id order.
	List(ctx context.Context) ([]*types.AgentProfile, error)

	// UpdateAvailability sets the agent's availability unconditionally.
	// Used by external callers reporting agent state (online, offline).
	UpdateAvailability(ctx context.Context, agentID string, state types.Availability) error

	// CompareAndSwapAvailability transitions availability only if the agent
	// is currently in the expected state. Returns false without error when
	// the swap loses. This is the only way the formation service moves an
	// agent between FREE, RESERVED, and BUSY, which rules out double-booking.
	CompareAndSwapAvailability(ctx context.Context, agentID string, expected, next types.Availability) (bool, error)

	// UpdateLoad sets the agent's current load.
	UpdateLoad(ctx context.Context, agentID string, load float64) error

	// Heartbeat refreshes the agent's liveness timestamp.
	Heartbeat(ctx context.Context, agentID string) error

	// Subscribe registers an event handler. The returned function removes it.
	Subscribe(handler EventHandler) (unsubscribe func())
}

// Matcher maps a task requirement and registry state to candidates.
type Matcher interface {
	// FindCandidates returns all eligible agents ordered by score. The
	// result is empty, not an error, when no agent qualifies.
	FindCandidates(ctx context.Context, req *types.TaskRequirement) ([]*Candidate, error)

	// ProposeTeam assigns the highest-scoring still-unassigned eligible
	// agent to each hard capability role and validates the team size.
	// Returns nil, nil when no team meeting the hard requirements exists.
	ProposeTeam(ctx context.Context, req *types.TaskRequirement) ([]types.TeamMember, error)
}

// Candidate is an eligible agent with its match score.
type Candidate struct {
	// Profile is a copy of the agent's profile at match time.
	Profile *types.AgentProfile `json:"profile"`

	// Score is the aggregate match score across required and preferred
	// capabilities.
	Score float64 `json:"score"`

	// RoleScores holds the per-capability score used for role assignment.
	RoleScores map[types.CapabilityKind]float64 `json:"role_scores"`
}

// EventType classifies registry events.
type EventType string

const (
	EventAgentRegistered     EventType = "agent_registered"
	EventAgentUnregistered   EventType = "agent_unregistered"
	EventAvailabilityChanged EventType = "availability_changed"
)

// Event describes a registry change delivered to subscribed handlers.
type Event struct {
	Type         EventType          `json:"type"`
	AgentID      string             `json:"agent_id"`
	Availability types.Availability `json:"availability,omitempty"`
	Previous     types.Availability `json:"previous,omitempty"`
	At           time.Time          `json:"at"`
}

// EventHandler receives registry events. Handlers are invoked synchronously
// after the triggering mutation commits and must not block.
type EventHandler func(Event)
