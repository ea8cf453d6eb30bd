package negotiation

import (
	"context"
	"time"

	"github.com/BaSui01/collabcore/types"
)

// Status represents the lifecycle of one negotiation.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
	StatusFailed   Status = "FAILED"
	StatusAborted  Status = "ABORTED"
)

// Terminal reports whether the status is terminal. A negotiation never
// leaves RESOLVED, FAILED, or ABORTED.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusAborted
}

// Item is one negotiable unit of work or resource.
type Item struct {
	// ID identifies the item within the negotiation.
	ID string `json:"id"`

	// Capability is the capability contested claims are judged by.
	Capability types.CapabilityKind `json:"capability"`

	// Exclusive items must end up with exactly one owner.
	Exclusive bool `json:"exclusive"`
}

// Claim is one agent's bid for an item with a self-estimated cost.
type Claim struct {
	ItemID string  `json:"item_id"`
	Cost   float64 `json:"cost"`
}

// Proposal is one member's submission for a round.
type Proposal struct {
	AgentID string  `json:"agent_id"`
	Round   int     `json:"round"`
	Claims  []Claim `json:"claims"`
}

// RoundInput is what the engine hands each member at the start of a round.
type RoundInput struct {
	// TaskID and TeamID identify the negotiation scope.
	TaskID string `json:"task_id"`
	TeamID string `json:"team_id"`

	// Round is the current round number, starting at 1.
	Round int `json:"round"`

	// Items lists every negotiable item.
	Items []Item `json:"items"`

	// Unassigned lists the items still without an owner.
	Unassigned []Item `json:"unassigned"`

	// Assignments maps already-owned item ids to their owners.
	Assignments map[string]string `json:"assignments"`

	// MinProficiency is the proficiency threshold applied to this member's
	// claims this round. Relaxed for members carried over as unplaced.
	MinProficiency float64 `json:"min_proficiency"`
}

// Proposer submits proposals on behalf of one team member. Implementations
// must honor the context: the engine enforces the per-round timeout through
// it.
type Proposer interface {
	Propose(ctx context.Context, input *RoundInput) (*Proposal, error)
}

// Resolution rules, applied in order until a conflict is settled.
const (
	RuleCapabilityPriority = "capability_priority"
	RuleLoadBalance        = "load_balance"
	RuleAgentID            = "agent_id"
	RuleBudget             = "budget"
)

// Conflict records one contested item and how it was settled.
type Conflict struct {
	ItemID    string   `json:"item_id"`
	Claimants []string `json:"claimants"`
	Winner    string   `json:"winner"`
	Rule      string   `json:"rule"`
}

// Assignment is one settled item ownership.
type Assignment struct {
	ItemID  string  `json:"item_id"`
	AgentID string  `json:"agent_id"`
	Cost    float64 `json:"cost"`
}

// RoundTrace records everything that happened in one round.
type RoundTrace struct {
	Round     int          `json:"round"`
	Proposals []*Proposal  `json:"proposals"`
	Conflicts []Conflict   `json:"conflicts"`
	Awards    []Assignment `json:"awards"`
	Unplaced  []string     `json:"unplaced,omitempty"`
	TimedOut  []string     `json:"timed_out,omitempty"`
}

// Trace is the full negotiation history, referenced by learning events and
// usable for deterministic replay.
type Trace struct {
	NegotiationID string       `json:"negotiation_id"`
	TeamID        string       `json:"team_id"`
	TaskID        string       `json:"task_id"`
	Rounds        []RoundTrace `json:"rounds"`
	Status        Status       `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at"`
}

// Negotiation is the result of one protocol run for a team.
type Negotiation struct {
	// ID identifies the negotiation.
	ID string `json:"id"`

	// TeamID and TaskID identify the negotiating team.
	TeamID string `json:"team_id"`
	TaskID string `json:"task_id"`

	// Round is the last round that ran. Monotonically increasing while the
	// negotiation is open.
	Round int `json:"round"`

	// Status is the terminal protocol status.
	Status Status `json:"status"`

	// Assignments is the agreed resolution when Status is RESOLVED.
	Assignments []Assignment `json:"assignments"`

	// TotalCost sums the assignment costs.
	TotalCost float64 `json:"total_cost"`

	// Trace is the full round-by-round history.
	Trace *Trace `json:"trace"`
}

// Owner returns the owner of an item in the resolution, or "".
func (n *Negotiation) Owner(itemID string) string {
	for _, a := range n.Assignments {
		if a.ItemID == itemID {
			return a.AgentID
		}
	}
	return ""
}

// AssignmentsFor returns the items owned by one agent.
func (n *Negotiation) AssignmentsFor(agentID string) []Assignment {
	var out []Assignment
	for _, a := range n.Assignments {
		if a.AgentID == agentID {
			out = append(out, a)
		}
	}
	return out
}
