package negotiation

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/collabcore/types"
)

// Config holds configuration for the negotiation engine.
type Config struct {
	// MaxRounds bounds the number of rounds. The protocol fails, never
	// loops, once the limit is hit.
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`

	// RoundTimeout bounds proposal collection per round. Members that miss
	// it are treated as unplaced for the round, not as fatal failures.
	RoundTimeout time.Duration `json:"round_timeout" yaml:"round_timeout"`

	// OverallTimeout bounds the whole negotiation across rounds.
	OverallTimeout time.Duration `json:"overall_timeout" yaml:"overall_timeout"`

	// ProficiencyEpsilon is the band within which two proficiencies count
	// as equal, falling through to the load tiebreak.
	ProficiencyEpsilon float64 `json:"proficiency_epsilon" yaml:"proficiency_epsilon"`

	// RelaxStep is subtracted from an unplaced member's proficiency
	// threshold each carried round.
	RelaxStep float64 `json:"relax_step" yaml:"relax_step"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:          5,
		RoundTimeout:       30 * time.Second,
		OverallTimeout:     5 * time.Minute,
		ProficiencyEpsilon: 0.05,
		RelaxStep:          0.1,
	}
}

// Engine runs negotiations. It is stateless across runs; one Run call
// executes one complete protocol instance for one committed team.
type Engine struct {
	config Config
	logger *zap.Logger
}

// NewEngine creates a negotiation engine.
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultConfig().MaxRounds
	}
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = DefaultConfig().RoundTimeout
	}
	if config.OverallTimeout <= 0 {
		config.OverallTimeout = DefaultConfig().OverallTimeout
	}
	return &Engine{
		config: config,
		logger: logger.With(zap.String("component", "negotiation_engine")),
	}
}

// run carries the mutable state of one protocol instance.
type run struct {
	negotiation *Negotiation
	req         *types.TaskRequirement
	team        *types.AgentTeam
	items       []Item
	profiles    map[string]*types.AgentProfile
	proposers   map[string]Proposer

	// assignments maps item id to its settled assignment. Persisted across
	// rounds.
	assignments map[string]Assignment

	// relax holds the accumulated threshold relaxation per agent.
	relax map[string]float64
}

// Run executes the protocol for a committed team and returns the terminal
// negotiation. The returned error is nil only for RESOLVED; FAILED and
// ABORTED runs carry a NEGOTIATION_FAILED or NEGOTIATION_ABORTED error
// alongside the negotiation record.
func (e *Engine) Run(
	ctx context.Context,
	team *types.AgentTeam,
	req *types.TaskRequirement,
	profiles map[string]*types.AgentProfile,
	proposers map[string]Proposer,
) (*Negotiation, error) {
	if team == nil || len(team.Members) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "negotiation needs a non-empty team")
	}

	items := deriveItems(req)
	if len(items) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "nothing to negotiate")
	}

	started := time.Now()
	n := &Negotiation{
		ID:     uuid.New().String(),
		TeamID: team.ID,
		TaskID: team.TaskID,
		Status: StatusOpen,
		Trace: &Trace{
			TeamID:    team.ID,
			TaskID:    team.TaskID,
			Status:    StatusOpen,
			StartedAt: started,
		},
	}
	n.Trace.NegotiationID = n.ID

	r := &run{
		negotiation: n,
		req:         req,
		team:        team,
		items:       items,
		profiles:    profiles,
		proposers:   proposers,
		assignments: make(map[string]Assignment, len(items)),
		relax:       make(map[string]float64, len(team.Members)),
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.OverallTimeout)
	defer cancel()

	e.logger.Info("negotiation started",
		zap.String("negotiation_id", n.ID),
		zap.String("team_id", team.ID),
		zap.Int("items", len(items)),
		zap.Int("members", len(team.Members)),
	)

	for round := 1; round <= e.config.MaxRounds; round++ {
		if err := runCtx.Err(); err != nil {
			return e.interrupt(ctx, n, r, err)
		}
		n.Round = round

		trace, done, failReason := e.runRound(runCtx, r, round)
		n.Trace.Rounds = append(n.Trace.Rounds, trace)

		if failReason != "" {
			return e.finish(n, r, StatusFailed),
				types.Errorf(types.ErrNegotiationFailed, "%s", failReason)
		}
		if done {
			return e.finish(n, r, StatusResolved), nil
		}
		if err := runCtx.Err(); err != nil {
			return e.interrupt(ctx, n, r, err)
		}
	}

	n = e.finish(n, r, StatusFailed)
	return n, types.Errorf(types.ErrNegotiationFailed,
		"negotiation %s exceeded %d rounds", n.ID, e.config.MaxRounds)
}

// interrupt seals an interrupted negotiation: ABORTED for external
// cancellation, FAILED for the overall timeout.
func (e *Engine) interrupt(parent context.Context, n *Negotiation, r *run, err error) (*Negotiation, error) {
	if parent.Err() != nil || errors.Is(err, context.Canceled) {
		return e.finish(n, r, StatusAborted),
			types.Errorf(types.ErrNegotiationAborted, "negotiation %s aborted", n.ID).WithCause(err)
	}
	return e.finish(n, r, StatusFailed),
		types.Errorf(types.ErrNegotiationFailed, "negotiation %s timed out", n.ID).WithCause(err)
}

// finish seals the negotiation in a terminal status.
func (e *Engine) finish(n *Negotiation, r *run, status Status) *Negotiation {
	n.Status = status
	n.Trace.Status = status
	n.Trace.EndedAt = time.Now()
	n.Assignments = sortedAssignments(r.assignments)
	n.TotalCost = 0
	for _, a := range n.Assignments {
		n.TotalCost += a.Cost
	}

	e.logger.Info("negotiation finished",
		zap.String("negotiation_id", n.ID),
		zap.String("status", string(status)),
		zap.Int("rounds", n.Round),
		zap.Float64("total_cost", n.TotalCost),
	)
	return n
}

// runRound executes one synchronous round. It returns the round trace,
// whether the protocol is complete, and a non-empty failure reason when the
// budget cannot be satisfied.
func (e *Engine) runRound(ctx context.Context, r *run, round int) (RoundTrace, bool, string) {
	trace := RoundTrace{Round: round}

	proposals, timedOut := e.collectProposals(ctx, r, round)
	trace.Proposals = proposals
	trace.TimedOut = timedOut

	claims := e.validClaims(r, proposals)

	// Resolve contested and uncontested claims on still-unassigned items.
	awards, conflicts := e.resolveClaims(r, claims)
	trace.Conflicts = conflicts

	// Losers get the next-best unclaimed item within the same round. Only
	// members that actually bid for something are eligible; an empty
	// proposal opts out of the round.
	bidders := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		if len(p.Claims) > 0 {
			bidders[p.AgentID] = true
		}
	}
	awards = append(awards, e.reofferLeftovers(r, claims, bidders)...)
	trace.Awards = awards

	// Budget: detect excess and repair by reassigning contested items to
	// cheaper claimants; fail when no reassignment can satisfy it.
	if r.req != nil && r.req.Budget > 0 {
		if ok := e.enforceBudget(r, claims, &trace); !ok {
			return trace, false, "budget cannot be satisfied by any reassignment"
		}
	}

	done := len(r.assignments) == len(r.items)

	// Members left without an item while items remain open carry a relaxed
	// threshold into the next round.
	trace.Unplaced = r.unplacedMembers()
	if !done {
		for _, agentID := range trace.Unplaced {
			r.relax[agentID] += e.config.RelaxStep
		}
	}
	return trace, done, ""
}

// collectProposals gathers one proposal per member under the round timeout.
// Missing or failed submissions make the member count as timed out for the
// round.
func (e *Engine) collectProposals(ctx context.Context, r *run, round int) ([]*Proposal, []string) {
	roundCtx, cancel := context.WithTimeout(ctx, e.config.RoundTimeout)
	defer cancel()

	input := e.roundInput(r, round)

	var mu sync.Mutex
	received := make(map[string]*Proposal, len(r.team.Members))

	g, gctx := errgroup.WithContext(roundCtx)
	for _, member := range r.team.Members {
		proposer, ok := r.proposers[member.AgentID]
		if !ok {
			continue
		}
		agentID := member.AgentID
		g.Go(func() error {
			memberInput := input
			memberInput.MinProficiency = r.thresholdFor(agentID)
			proposal, err := proposer.Propose(gctx, &memberInput)
			if err != nil {
				e.logger.Warn("proposal failed",
					zap.String("agent_id", agentID),
					zap.Int("round", round),
					zap.Error(err),
				)
				return nil // a missing proposal is not fatal to the round
			}
			if proposal == nil {
				return nil
			}
			proposal.AgentID = agentID
			proposal.Round = round
			mu.Lock()
			received[agentID] = proposal
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	proposals := make([]*Proposal, 0, len(received))
	var timedOut []string
	for _, member := range r.team.Members {
		if p, ok := received[member.AgentID]; ok {
			proposals = append(proposals, p)
		} else {
			timedOut = append(timedOut, member.AgentID)
		}
	}
	return proposals, timedOut
}

// roundInput builds the immutable part of a round's input.
func (e *Engine) roundInput(r *run, round int) RoundInput {
	assignments := make(map[string]string, len(r.assignments))
	for itemID, a := range r.assignments {
		assignments[itemID] = a.AgentID
	}
	var unassigned []Item
	for _, item := range r.items {
		if _, taken := r.assignments[item.ID]; !taken {
			unassigned = append(unassigned, item)
		}
	}
	return RoundInput{
		TaskID:      r.team.TaskID,
		TeamID:      r.team.ID,
		Round:       round,
		Items:       r.items,
		Unassigned:  unassigned,
		Assignments: assignments,
	}
}

// validClaims filters claims to unassigned items the claimant is proficient
// enough for under its (possibly relaxed) threshold. The result maps item id
// to claims ordered deterministically.
func (e *Engine) validClaims(r *run, proposals []*Proposal) map[string][]claimant {
	byItem := make(map[string][]claimant)
	items := r.itemIndex()

	for _, proposal := range proposals {
		for _, claim := range proposal.Claims {
			item, known := items[claim.ItemID]
			if !known {
				continue
			}
			if _, taken := r.assignments[item.ID]; taken {
				continue
			}
			proficiency := r.proficiencyOf(proposal.AgentID, item.Capability)
			if proficiency < r.thresholdFor(proposal.AgentID) {
				continue
			}
			byItem[item.ID] = append(byItem[item.ID], claimant{
				agentID:     proposal.AgentID,
				cost:        claim.Cost,
				proficiency: proficiency,
			})
		}
	}
	for itemID := range byItem {
		cs := byItem[itemID]
		sort.Slice(cs, func(i, j int) bool { return cs[i].agentID < cs[j].agentID })
	}
	return byItem
}

type claimant struct {
	agentID     string
	cost        float64
	proficiency float64
}

// resolveClaims awards each contested item by the deterministic rule chain:
// capability priority, load-balance tiebreak within epsilon, then lowest
// agent id. Claimants that already own an item yield to claimants that own
// none, so one strong agent cannot starve the rest of the team.
func (e *Engine) resolveClaims(r *run, claims map[string][]claimant) ([]Assignment, []Conflict) {
	var awards []Assignment
	var conflicts []Conflict

	for _, item := range r.items {
		cs, contested := claims[item.ID]
		if !contested || len(cs) == 0 {
			continue
		}
		if _, taken := r.assignments[item.ID]; taken {
			continue
		}

		eligible := cs
		if unowned := r.withoutOwners(cs); len(unowned) > 0 {
			eligible = unowned
		}
		winner, rule := e.pickWinner(r, eligible)
		award := Assignment{ItemID: item.ID, AgentID: winner.agentID, Cost: winner.cost}
		r.assignments[item.ID] = award
		awards = append(awards, award)

		if len(cs) > 1 {
			claimants := make([]string, len(cs))
			for i, c := range cs {
				claimants[i] = c.agentID
			}
			conflicts = append(conflicts, Conflict{
				ItemID:    item.ID,
				Claimants: claimants,
				Winner:    winner.agentID,
				Rule:      rule,
			})
		}
	}
	return awards, conflicts
}

// pickWinner applies the resolution rules to a non-empty claimant list.
func (e *Engine) pickWinner(r *run, cs []claimant) (claimant, string) {
	best := cs[0]
	rule := RuleCapabilityPriority
	for _, c := range cs[1:] {
		switch {
		case c.proficiency > best.proficiency+e.config.ProficiencyEpsilon:
			best, rule = c, RuleCapabilityPriority
		case best.proficiency > c.proficiency+e.config.ProficiencyEpsilon:
			// keep best
		case r.loadOf(c.agentID) < r.loadOf(best.agentID):
			best, rule = c, RuleLoadBalance
		case r.loadOf(c.agentID) > r.loadOf(best.agentID):
			// keep best
		case c.agentID < best.agentID:
			best, rule = c, RuleAgentID
		}
	}
	if len(cs) == 1 {
		rule = RuleCapabilityPriority
	}
	return best, rule
}

// reofferLeftovers assigns, within the same round, the next-best unclaimed
// item to every member that bid but won nothing and owns nothing. Members
// are processed in id order for reproducibility.
func (e *Engine) reofferLeftovers(r *run, claims map[string][]claimant, bidders map[string]bool) []Assignment {
	owned := make(map[string]bool, len(r.team.Members))
	for _, a := range r.assignments {
		owned[a.AgentID] = true
	}

	members := append([]types.TeamMember(nil), r.team.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].AgentID < members[j].AgentID })

	var awards []Assignment
	for _, member := range members {
		if owned[member.AgentID] || !bidders[member.AgentID] {
			continue
		}
		item, cost, found := r.nextBestItem(member.AgentID, claims)
		if !found {
			continue
		}
		award := Assignment{ItemID: item.ID, AgentID: member.AgentID, Cost: cost}
		r.assignments[item.ID] = award
		owned[member.AgentID] = true
		awards = append(awards, award)
	}
	return awards
}

// enforceBudget checks the running total against the budget and repairs an
// excess by moving contested items to their cheapest claimant. It reports
// false when even the cheapest feasible assignment exceeds the budget.
func (e *Engine) enforceBudget(r *run, claims map[string][]claimant, trace *RoundTrace) bool {
	total := 0.0
	for _, a := range r.assignments {
		total += a.Cost
	}
	if total <= r.req.Budget {
		return true
	}

	// Try items in deterministic order, switching each to its cheapest
	// claimant while the total still exceeds the budget.
	for _, item := range r.items {
		if total <= r.req.Budget {
			break
		}
		current, assigned := r.assignments[item.ID]
		cs := claims[item.ID]
		if !assigned || len(cs) < 2 {
			continue
		}
		cheapest := cs[0]
		for _, c := range cs[1:] {
			if c.cost < cheapest.cost || (c.cost == cheapest.cost && c.agentID < cheapest.agentID) {
				cheapest = c
			}
		}
		if cheapest.cost >= current.Cost {
			continue
		}
		total -= current.Cost - cheapest.cost
		r.assignments[item.ID] = Assignment{ItemID: item.ID, AgentID: cheapest.agentID, Cost: cheapest.cost}
		trace.Conflicts = append(trace.Conflicts, Conflict{
			ItemID:    item.ID,
			Claimants: []string{current.AgentID, cheapest.agentID},
			Winner:    cheapest.agentID,
			Rule:      RuleBudget,
		})
	}

	// Only a complete over-budget assignment is unsatisfiable: while items
	// remain open, later rounds may still bring cheaper claims.
	return total <= r.req.Budget || len(r.assignments) != len(r.items)
}

// withoutOwners filters a claimant list down to agents that own no item yet.
func (r *run) withoutOwners(cs []claimant) []claimant {
	owned := make(map[string]bool, len(r.assignments))
	for _, a := range r.assignments {
		owned[a.AgentID] = true
	}
	var out []claimant
	for _, c := range cs {
		if !owned[c.agentID] {
			out = append(out, c)
		}
	}
	return out
}

func (r *run) itemIndex() map[string]Item {
	idx := make(map[string]Item, len(r.items))
	for _, item := range r.items {
		idx[item.ID] = item
	}
	return idx
}

func (r *run) proficiencyOf(agentID string, kind types.CapabilityKind) float64 {
	if profile, ok := r.profiles[agentID]; ok {
		return profile.Proficiency(kind)
	}
	return 0
}

func (r *run) loadOf(agentID string) float64 {
	if profile, ok := r.profiles[agentID]; ok {
		return profile.Load
	}
	return 0
}

// thresholdFor returns the member's proficiency threshold after relaxation.
func (r *run) thresholdFor(agentID string) float64 {
	threshold := r.baseThreshold(agentID)
	return math.Max(0, threshold-r.relax[agentID])
}

// baseThreshold is the requirement minimum for the member's role.
func (r *run) baseThreshold(agentID string) float64 {
	member := r.team.Member(agentID)
	if member == nil || r.req == nil {
		return 0
	}
	for _, c := range r.req.HardCapabilities() {
		if c.Kind == member.Role {
			return c.MinProficiency
		}
	}
	return 0
}

// nextBestItem picks the unassigned item the agent is most proficient at,
// subject to its relaxed threshold. The cost is the agent's own claim if it
// made one, otherwise the lowest claimed cost for the item, otherwise zero.
func (r *run) nextBestItem(agentID string, claims map[string][]claimant) (Item, float64, bool) {
	var (
		best      Item
		bestScore = math.Inf(-1)
		found     bool
	)
	for _, item := range r.items {
		if _, taken := r.assignments[item.ID]; taken {
			continue
		}
		proficiency := r.proficiencyOf(agentID, item.Capability)
		if proficiency < r.thresholdFor(agentID) {
			continue
		}
		if proficiency > bestScore {
			bestScore = proficiency
			best = item
			found = true
		}
	}
	if !found {
		return Item{}, 0, false
	}

	cost := 0.0
	if cs, ok := claims[best.ID]; ok && len(cs) > 0 {
		cost = math.Inf(1)
		for _, c := range cs {
			if c.agentID == agentID {
				cost = c.cost
				break
			}
			if c.cost < cost {
				cost = c.cost
			}
		}
		if math.IsInf(cost, 1) {
			cost = 0
		}
	}
	return best, cost, true
}

// unplacedMembers lists members owning nothing, in id order.
func (r *run) unplacedMembers() []string {
	owned := make(map[string]bool, len(r.team.Members))
	for _, a := range r.assignments {
		owned[a.AgentID] = true
	}
	var unplaced []string
	for _, member := range r.team.Members {
		if !owned[member.AgentID] {
			unplaced = append(unplaced, member.AgentID)
		}
	}
	sort.Strings(unplaced)
	return unplaced
}

// deriveItems returns the requirement's sub-tasks, or one exclusive item per
// hard capability when none are declared.
func deriveItems(req *types.TaskRequirement) []Item {
	if req == nil {
		return nil
	}
	if len(req.SubTasks) > 0 {
		items := make([]Item, len(req.SubTasks))
		for i, st := range req.SubTasks {
			items[i] = Item{ID: st.ID, Capability: st.Capability, Exclusive: st.Exclusive}
		}
		return items
	}
	hard := req.HardCapabilities()
	items := make([]Item, len(hard))
	for i, c := range hard {
		items[i] = Item{ID: string(c.Kind), Capability: c.Kind, Exclusive: true}
	}
	return items
}

// sortedAssignments returns assignments ordered by item id.
func sortedAssignments(m map[string]Assignment) []Assignment {
	out := make([]Assignment, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}
