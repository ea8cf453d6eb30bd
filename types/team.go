package types

import (
	"time"
)

// TeamStatus represents the lifecycle of a team.
type TeamStatus string

const (
	// TeamProposed means the team has been matched but not committed.
	// Members are reserved, not busy.
	TeamProposed TeamStatus = "PROPOSED"

	// TeamCommitted means the team is locked in and members are busy.
	// Membership only changes through the replacement protocol.
	TeamCommitted TeamStatus = "COMMITTED"

	// TeamDegraded means a member left and no replacement was found.
	TeamDegraded TeamStatus = "DEGRADED"

	// TeamDisbanded means the team has been released.
	TeamDisbanded TeamStatus = "DISBANDED"
)

// TeamMember is one agent on a team with its assigned role.
type TeamMember struct {
	// AgentID identifies the member.
	AgentID string `json:"agent_id"`

	// Role is the capability the member was selected for.
	Role CapabilityKind `json:"role"`

	// Proficiency is the member's declared proficiency for its role at
	// formation time.
	Proficiency float64 `json:"proficiency"`
}

// AgentTeam is a committed set of agents for one task. Member order is the
// role order of the originating requirement.
type AgentTeam struct {
	// ID identifies the team.
	ID string `json:"id"`

	// TaskID is the task the team was formed for.
	TaskID string `json:"task_id"`

	// Members is the ordered member list. No duplicate agent ids.
	Members []TeamMember `json:"members"`

	// Status is the team lifecycle status.
	Status TeamStatus `json:"status"`

	// FormedAt is the formation timestamp.
	FormedAt time.Time `json:"formed_at"`
}

// Member returns the member with the given agent id, or nil.
func (t *AgentTeam) Member(agentID string) *TeamMember {
	for i := range t.Members {
		if t.Members[i].AgentID == agentID {
			return &t.Members[i]
		}
	}
	return nil
}

// HasMember reports whether the team contains the agent.
func (t *AgentTeam) HasMember(agentID string) bool {
	return t.Member(agentID) != nil
}

// MemberIDs returns the ordered agent ids of the team.
func (t *AgentTeam) MemberIDs() []string {
	ids := make([]string, len(t.Members))
	for i, m := range t.Members {
		ids[i] = m.AgentID
	}
	return ids
}

// Validate checks the team's invariants.
func (t *AgentTeam) Validate() error {
	if t == nil {
		return NewError(ErrInvalidInput, "team is nil")
	}
	if t.TaskID == "" {
		return NewError(ErrInvalidInput, "team task id is empty")
	}
	seen := make(map[string]struct{}, len(t.Members))
	for _, m := range t.Members {
		if m.AgentID == "" {
			return NewError(ErrInvalidInput, "team member agent id is empty")
		}
		if _, dup := seen[m.AgentID]; dup {
			return Errorf(ErrDuplicateAgent, "agent %s appears twice in team", m.AgentID)
		}
		seen[m.AgentID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the team.
func (t *AgentTeam) Clone() *AgentTeam {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Members = append([]TeamMember(nil), t.Members...)
	return &cp
}
