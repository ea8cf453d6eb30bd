package types

import (
	"time"
)

// CapabilityKind identifies a known capability. Capabilities form a fixed
// tagged schema validated at registration time rather than open-ended
// free-text tags.
type CapabilityKind string

const (
	CapabilityResearch CapabilityKind = "research"
	CapabilityWriting  CapabilityKind = "writing"
	CapabilityCoding   CapabilityKind = "coding"
	CapabilityReview   CapabilityKind = "review"
	CapabilityPlanning CapabilityKind = "planning"
	CapabilityAnalysis CapabilityKind = "analysis"
	CapabilityTesting  CapabilityKind = "testing"
	CapabilityDesign   CapabilityKind = "design"
)

// KnownCapabilities lists every capability kind accepted at registration.
var KnownCapabilities = []CapabilityKind{
	CapabilityResearch,
	CapabilityWriting,
	CapabilityCoding,
	CapabilityReview,
	CapabilityPlanning,
	CapabilityAnalysis,
	CapabilityTesting,
	CapabilityDesign,
}

// Valid reports whether the kind is part of the known capability schema.
func (k CapabilityKind) Valid() bool {
	for _, known := range KnownCapabilities {
		if k == known {
			return true
		}
	}
	return false
}

// Availability represents an agent's availability state.
type Availability string

const (
	// AvailabilityFree means the agent can be matched into a new team.
	AvailabilityFree Availability = "FREE"

	// AvailabilityReserved means the agent is held by a proposed team that
	// has not been committed yet.
	AvailabilityReserved Availability = "RESERVED"

	// AvailabilityBusy means the agent belongs to a committed team.
	AvailabilityBusy Availability = "BUSY"

	// AvailabilityOffline means the agent is unreachable.
	AvailabilityOffline Availability = "OFFLINE"
)

// Valid reports whether the availability state is known.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityFree, AvailabilityReserved, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// AgentProfile describes a registered agent instance: its capability set,
// current load, and availability.
type AgentProfile struct {
	// ID is the unique agent identifier.
	ID string `json:"id"`

	// Capabilities maps capability kind to proficiency in [0,1].
	Capabilities map[CapabilityKind]float64 `json:"capabilities"`

	// Load is the agent's current load. Higher means more loaded.
	Load float64 `json:"load"`

	// Availability is the agent's availability state.
	Availability Availability `json:"availability"`

	// LastHeartbeat is when the agent last reported itself alive.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// RegisteredAt is when the agent was registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// Validate checks the profile against the registration schema.
func (p *AgentProfile) Validate() error {
	if p == nil {
		return NewError(ErrInvalidInput, "agent profile is nil")
	}
	if p.ID == "" {
		return NewError(ErrInvalidInput, "agent id is empty")
	}
	if len(p.Capabilities) == 0 {
		return Errorf(ErrInvalidInput, "agent %s declares no capabilities", p.ID)
	}
	for kind, proficiency := range p.Capabilities {
		if !kind.Valid() {
			return Errorf(ErrInvalidInput, "agent %s declares unknown capability %q", p.ID, kind)
		}
		if proficiency < 0 || proficiency > 1 {
			return Errorf(ErrInvalidInput, "agent %s capability %s proficiency %.3f out of [0,1]", p.ID, kind, proficiency)
		}
	}
	if p.Load < 0 {
		return Errorf(ErrInvalidInput, "agent %s load is negative", p.ID)
	}
	if p.Availability != "" && !p.Availability.Valid() {
		return Errorf(ErrInvalidInput, "agent %s availability %q is unknown", p.ID, p.Availability)
	}
	return nil
}

// Proficiency returns the agent's proficiency for a capability, or zero if
// the capability is not declared.
func (p *AgentProfile) Proficiency(kind CapabilityKind) float64 {
	return p.Capabilities[kind]
}

// Clone returns a deep copy of the profile.
func (p *AgentProfile) Clone() *AgentProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Capabilities = make(map[CapabilityKind]float64, len(p.Capabilities))
	for k, v := range p.Capabilities {
		cp.Capabilities[k] = v
	}
	return &cp
}
