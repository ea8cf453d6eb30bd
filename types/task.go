package types

import (
	"time"
)

// TaskStatus represents the externally visible lifecycle of a task.
type TaskStatus string

const (
	TaskForming     TaskStatus = "FORMING"
	TaskNegotiating TaskStatus = "NEGOTIATING"
	TaskExecuting   TaskStatus = "EXECUTING"
	TaskDegraded    TaskStatus = "DEGRADED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCompleted   TaskStatus = "COMPLETED"
)

// Terminal reports whether the status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskFailed || s == TaskCompleted
}

// CapabilityRequirement declares one capability a task needs.
type CapabilityRequirement struct {
	// Kind is the required capability.
	Kind CapabilityKind `json:"kind"`

	// MinProficiency is the minimum proficiency an agent must declare for
	// the capability. Only enforced for hard requirements.
	MinProficiency float64 `json:"min_proficiency"`

	// Soft marks a preferred capability: it adds to an agent's score
	// without gating eligibility.
	Soft bool `json:"soft,omitempty"`
}

// SubTask is one unit of work the team negotiates ownership of.
type SubTask struct {
	// ID identifies the sub-task within its parent task.
	ID string `json:"id"`

	// Capability is the capability the sub-task calls for. Proficiency on
	// this capability decides contested claims.
	Capability CapabilityKind `json:"capability"`

	// Exclusive marks a sub-task that must have exactly one owner.
	Exclusive bool `json:"exclusive"`
}

// TaskRequirement is the declarative need for a task.
type TaskRequirement struct {
	// TaskID identifies the task. Assigned by the core if empty.
	TaskID string `json:"task_id,omitempty"`

	// Capabilities are the required and preferred capabilities. Each hard
	// (non-soft) capability corresponds to one role on the team.
	Capabilities []CapabilityRequirement `json:"capabilities"`

	// MinTeamSize and MaxTeamSize bound the accepted team size.
	MinTeamSize int `json:"min_team_size"`
	MaxTeamSize int `json:"max_team_size"`

	// SubTasks are the units of work negotiated among the team. When empty,
	// one exclusive sub-task per hard capability is derived.
	SubTasks []SubTask `json:"sub_tasks,omitempty"`

	// Budget bounds the total self-estimated cost the team may claim
	// during negotiation. Zero disables the budget check.
	Budget float64 `json:"budget,omitempty"`

	// Deadline, if set, must be in the future at creation time.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Priority orders competing tasks. Higher is more urgent.
	Priority int `json:"priority,omitempty"`
}

// Validate checks the requirement's invariants.
func (r *TaskRequirement) Validate() error {
	if r == nil {
		return NewError(ErrInvalidInput, "task requirement is nil")
	}
	if len(r.Capabilities) == 0 {
		return NewError(ErrInvalidInput, "task requires no capabilities")
	}
	hard := 0
	for _, req := range r.Capabilities {
		if !req.Kind.Valid() {
			return Errorf(ErrInvalidInput, "unknown capability %q", req.Kind)
		}
		if req.MinProficiency < 0 || req.MinProficiency > 1 {
			return Errorf(ErrInvalidInput, "capability %s min proficiency %.3f out of [0,1]", req.Kind, req.MinProficiency)
		}
		if !req.Soft {
			hard++
		}
	}
	if hard == 0 {
		return NewError(ErrInvalidInput, "task has no hard capability requirement")
	}
	if r.MinTeamSize < 1 {
		return NewError(ErrInvalidInput, "minimum team size must be at least 1")
	}
	if r.MaxTeamSize != 0 && r.MaxTeamSize < r.MinTeamSize {
		return NewError(ErrInvalidInput, "maximum team size below minimum")
	}
	if r.Deadline != nil && !r.Deadline.After(time.Now()) {
		return NewError(ErrInvalidInput, "deadline is not in the future")
	}
	if r.Budget < 0 {
		return NewError(ErrInvalidInput, "budget is negative")
	}
	for _, st := range r.SubTasks {
		if st.ID == "" {
			return NewError(ErrInvalidInput, "sub-task id is empty")
		}
		if !st.Capability.Valid() {
			return Errorf(ErrInvalidInput, "sub-task %s has unknown capability %q", st.ID, st.Capability)
		}
	}
	return nil
}

// HardCapabilities returns the non-soft capability requirements, in
// declaration order. Each one corresponds to a role to fill.
func (r *TaskRequirement) HardCapabilities() []CapabilityRequirement {
	hard := make([]CapabilityRequirement, 0, len(r.Capabilities))
	for _, req := range r.Capabilities {
		if !req.Soft {
			hard = append(hard, req)
		}
	}
	return hard
}

// SoftCapabilities returns the preferred capability requirements.
func (r *TaskRequirement) SoftCapabilities() []CapabilityRequirement {
	soft := make([]CapabilityRequirement, 0, len(r.Capabilities))
	for _, req := range r.Capabilities {
		if req.Soft {
			soft = append(soft, req)
		}
	}
	return soft
}

// Clone returns a deep copy of the requirement.
func (r *TaskRequirement) Clone() *TaskRequirement {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Capabilities = append([]CapabilityRequirement(nil), r.Capabilities...)
	cp.SubTasks = append([]SubTask(nil), r.SubTasks...)
	if r.Deadline != nil {
		d := *r.Deadline
		cp.Deadline = &d
	}
	return &cp
}
