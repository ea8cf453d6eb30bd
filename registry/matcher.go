package registry

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/types"
)

// MatcherConfig holds configuration for the capability matcher.
type MatcherConfig struct {
	// RecencyHalfLife controls the decay of capability scores with the age
	// of the agent's last heartbeat: weight = 2^(-age/halfLife). Zero
	// disables decay (weight is always 1).
	RecencyHalfLife time.Duration `json:"recency_half_life" yaml:"recency_half_life"`

	// SoftWeight scales the score contribution of preferred (soft)
	// capabilities.
	SoftWeight float64 `json:"soft_weight" yaml:"soft_weight"`
}

// DefaultMatcherConfig returns a MatcherConfig with sensible defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		RecencyHalfLife: 10 * time.Minute,
		SoftWeight:      1.0,
	}
}

// CapabilityMatcher is the default implementation of Matcher. It is a pure
// function over registry state: no hidden randomness, ties broken by lowest
// load and then lexicographic agent id.
type CapabilityMatcher struct {
	registry Registry
	config   MatcherConfig
	logger   *zap.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewCapabilityMatcher creates a new capability matcher.
func NewCapabilityMatcher(reg Registry, config MatcherConfig, logger *zap.Logger) *CapabilityMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SoftWeight == 0 {
		config.SoftWeight = 1.0
	}
	return &CapabilityMatcher{
		registry: reg,
		config:   config,
		logger:   logger.With(zap.String("component", "capability_matcher")),
		now:      time.Now,
	}
}

// FindCandidates returns all eligible agents ordered by combined score.
// An agent is eligible when it is FREE and meets at least one hard required
// capability at its stated minimum proficiency; its combined score sums
// proficiency x recencyWeight over every hard capability it meets plus a
// weighted contribution from declared soft capabilities.
func (m *CapabilityMatcher) FindCandidates(ctx context.Context, req *types.TaskRequirement) ([]*Candidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	profiles, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	hard := req.HardCapabilities()
	soft := req.SoftCapabilities()
	now := m.now()

	candidates := make([]*Candidate, 0, len(profiles))
	for _, profile := range profiles {
		if profile.Availability != types.AvailabilityFree {
			continue
		}

		weight := m.recencyWeight(now, profile.LastHeartbeat)
		roleScores := make(map[types.CapabilityKind]float64, len(hard))
		var total float64
		eligibleRoles := 0
		for _, h := range hard {
			proficiency := profile.Proficiency(h.Kind)
			if proficiency < h.MinProficiency {
				continue
			}
			score := proficiency * weight
			roleScores[h.Kind] = score
			total += score
			eligibleRoles++
		}
		if eligibleRoles == 0 {
			continue
		}
		for _, s := range soft {
			if proficiency := profile.Proficiency(s.Kind); proficiency > 0 {
				total += proficiency * weight * m.config.SoftWeight
			}
		}

		candidates = append(candidates, &Candidate{
			Profile:    profile,
			Score:      total,
			RoleScores: roleScores,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidateLess(candidates[i], candidates[j])
	})

	m.logger.Debug("candidates matched",
		zap.String("task_id", req.TaskID),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// ProposeTeam assigns candidates to the requirement's hard roles so that the
// summed combined score is maximal, then validates the team size range.
// Returns nil, nil when no valid assignment exists: the caller decides
// whether to relax requirements or fail the task.
func (m *CapabilityMatcher) ProposeTeam(ctx context.Context, req *types.TaskRequirement) ([]types.TeamMember, error) {
	candidates, err := m.FindCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	hard := req.HardCapabilities()
	if req.MaxTeamSize > 0 && len(hard) > req.MaxTeamSize {
		return nil, nil
	}

	assignment := bestAssignment(hard, candidates)
	if assignment == nil {
		return nil, nil
	}

	members := make([]types.TeamMember, len(hard))
	assigned := make(map[string]struct{}, len(hard))
	for i, h := range hard {
		c := assignment[i]
		members[i] = types.TeamMember{
			AgentID:     c.Profile.ID,
			Role:        h.Kind,
			Proficiency: c.Profile.Proficiency(h.Kind),
		}
		assigned[c.Profile.ID] = struct{}{}
	}

	// Top up with the best remaining candidates when the requirement asks
	// for more members than there are roles.
	for _, c := range candidates {
		if len(members) >= req.MinTeamSize {
			break
		}
		if _, taken := assigned[c.Profile.ID]; taken {
			continue
		}
		members = append(members, types.TeamMember{
			AgentID:     c.Profile.ID,
			Role:        bestRole(c),
			Proficiency: c.Profile.Proficiency(bestRole(c)),
		})
		assigned[c.Profile.ID] = struct{}{}
	}

	if len(members) < req.MinTeamSize {
		return nil, nil
	}
	if req.MaxTeamSize > 0 && len(members) > req.MaxTeamSize {
		return nil, nil
	}
	return members, nil
}

// recencyWeight computes 2^(-age/halfLife) clamped to [0,1].
func (m *CapabilityMatcher) recencyWeight(now, lastHeartbeat time.Time) float64 {
	if m.config.RecencyHalfLife <= 0 || lastHeartbeat.IsZero() {
		return 1.0
	}
	age := now.Sub(lastHeartbeat)
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-float64(age) / float64(m.config.RecencyHalfLife))
}

// candidateLess orders candidates by score descending, then lowest load,
// then lexicographic agent id.
func candidateLess(a, b *Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Profile.Load != b.Profile.Load {
		return a.Profile.Load < b.Profile.Load
	}
	return a.Profile.ID < b.Profile.ID
}

// bestAssignment searches role-to-candidate assignments maximizing the sum
// of assigned candidates' combined scores. Candidates are pre-sorted, so on
// equal total score the earlier (lower-load, lower-id) assignment wins,
// keeping the result deterministic. Teams are small, so the backtracking
// search is cheap.
func bestAssignment(hard []types.CapabilityRequirement, candidates []*Candidate) []*Candidate {
	var (
		best      []*Candidate
		bestScore = math.Inf(-1)
		current   = make([]*Candidate, len(hard))
		used      = make(map[string]bool, len(hard))
	)

	var search func(role int, score float64)
	search = func(role int, score float64) {
		if role == len(hard) {
			if score > bestScore {
				bestScore = score
				best = append([]*Candidate(nil), current...)
			}
			return
		}
		kind := hard[role].Kind
		for _, c := range candidates {
			if used[c.Profile.ID] {
				continue
			}
			if _, eligible := c.RoleScores[kind]; !eligible {
				continue
			}
			used[c.Profile.ID] = true
			current[role] = c
			search(role+1, score+c.Score)
			used[c.Profile.ID] = false
		}
	}
	search(0, 0)
	return best
}

// bestRole returns the candidate's highest-scoring eligible role.
func bestRole(c *Candidate) types.CapabilityKind {
	var (
		best      types.CapabilityKind
		bestScore = math.Inf(-1)
	)
	// Map iteration order is random; break ties by kind for determinism.
	kinds := make([]types.CapabilityKind, 0, len(c.RoleScores))
	for kind := range c.RoleScores {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		if score := c.RoleScores[kind]; score > bestScore {
			bestScore = score
			best = kind
		}
	}
	return best
}

// Ensure CapabilityMatcher implements Matcher.
var _ Matcher = (*CapabilityMatcher)(nil)
