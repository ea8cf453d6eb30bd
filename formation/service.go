package formation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/registry"
	"github.com/BaSui01/collabcore/types"
)

// Config holds configuration for the team formation service.
type Config struct {
	// ChurnRetries is how many times matching is re-run after a reserved
	// agent becomes unavailable before the request fails.
	ChurnRetries int `json:"churn_retries" yaml:"churn_retries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{ChurnRetries: 1}
}

// HandoffFunc transfers shared context to an incoming replacement member.
// It runs before the outgoing member is released, so the replacement sees
// the full context before it may write.
type HandoffFunc func(ctx context.Context, teamID string, incoming types.TeamMember) error

// DegradedFunc is notified when a team loses a member without replacement.
type DegradedFunc func(teamID string)

// Service is the team formation service.
type Service struct {
	registry registry.Registry
	matcher  registry.Matcher
	config   Config
	logger   *zap.Logger

	mu           sync.RWMutex
	teams        map[string]*types.AgentTeam
	requirements map[string]*types.TaskRequirement

	onHandoff  HandoffFunc
	onDegraded DegradedFunc
}

// Option configures the service.
type Option func(*Service)

// WithHandoff sets the context handoff callback used during member
// replacement.
func WithHandoff(fn HandoffFunc) Option {
	return func(s *Service) { s.onHandoff = fn }
}

// WithDegradedNotify sets the callback invoked when a team degrades.
func WithDegradedNotify(fn DegradedFunc) Option {
	return func(s *Service) { s.onDegraded = fn }
}

// NewService creates a team formation service.
func NewService(reg registry.Registry, matcher registry.Matcher, config Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry:     reg,
		matcher:      matcher,
		config:       config,
		logger:       logger.With(zap.String("component", "team_formation")),
		teams:        make(map[string]*types.AgentTeam),
		requirements: make(map[string]*types.TaskRequirement),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FormTeam matches a requirement into a PROPOSED team with every member
// reserved. A reserved agent that churned away between matching and
// reservation triggers one more matching pass (per ChurnRetries) before the
// request fails with NO_CANDIDATE.
func (s *Service) FormTeam(ctx context.Context, req *types.TaskRequirement) (*types.AgentTeam, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.config.ChurnRetries; attempt++ {
		members, err := s.matcher.ProposeTeam(ctx, req)
		if err != nil {
			return nil, err
		}
		if members == nil {
			return nil, types.Errorf(types.ErrNoCandidate, "no eligible team for task %s", req.TaskID)
		}

		reserved, ok, err := s.reserveAll(ctx, members)
		if err != nil {
			s.releaseReservations(ctx, reserved)
			return nil, err
		}
		if !ok {
			// An agent went BUSY or OFFLINE under us. Silently drop the
			// proposal and re-match against current registry state.
			s.releaseReservations(ctx, reserved)
			s.logger.Debug("reservation lost, re-matching",
				zap.String("task_id", req.TaskID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		team := &types.AgentTeam{
			ID:       uuid.New().String(),
			TaskID:   req.TaskID,
			Members:  members,
			Status:   types.TeamProposed,
			FormedAt: time.Now(),
		}

		s.mu.Lock()
		s.teams[team.ID] = team
		s.requirements[team.ID] = req.Clone()
		s.mu.Unlock()

		s.logger.Info("team formed",
			zap.String("team_id", team.ID),
			zap.String("task_id", req.TaskID),
			zap.Strings("members", team.MemberIDs()),
		)
		return team.Clone(), nil
	}

	return nil, types.Errorf(types.ErrNoCandidate, "no stable team for task %s after churn retries", req.TaskID)
}

// Commit transitions a PROPOSED team to COMMITTED and flips its members to
// BUSY. Committing an already-committed team is a no-op.
func (s *Service) Commit(ctx context.Context, teamID string) error {
	s.mu.Lock()
	team, ok := s.teams[teamID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.ErrTeamNotFound, "team %s not found", teamID)
	}
	if team.Status == types.TeamCommitted {
		s.mu.Unlock()
		return nil
	}
	if team.Status != types.TeamProposed {
		status := team.Status
		s.mu.Unlock()
		return types.Errorf(types.ErrInvalidTransition, "cannot commit team in status %s", status)
	}
	members := append([]types.TeamMember(nil), team.Members...)
	s.mu.Unlock()

	for _, m := range members {
		swapped, err := s.registry.CompareAndSwapAvailability(ctx, m.AgentID, types.AvailabilityReserved, types.AvailabilityBusy)
		if err != nil {
			return err
		}
		if !swapped {
			return types.Errorf(types.ErrAgentUnavailable, "agent %s lost reservation before commit", m.AgentID)
		}
	}

	s.mu.Lock()
	team.Status = types.TeamCommitted
	s.mu.Unlock()

	s.logger.Info("team committed", zap.String("team_id", teamID))
	return nil
}

// ReplaceMember re-runs the matcher scoped to the vacated role. A found
// replacement joins through context handoff before the old member is
// released; otherwise the team is marked DEGRADED and the degraded callback
// fires so the negotiation layer can renegotiate scope.
func (s *Service) ReplaceMember(ctx context.Context, teamID, oldAgentID string) (*types.TeamMember, error) {
	s.mu.Lock()
	team, ok := s.teams[teamID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrTeamNotFound, "team %s not found", teamID)
	}
	if team.Status != types.TeamCommitted && team.Status != types.TeamDegraded {
		status := team.Status
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrInvalidTransition, "cannot replace member of team in status %s", status)
	}
	old := team.Member(oldAgentID)
	if old == nil {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s is not on team %s", oldAgentID, teamID)
	}
	role := old.Role
	req := s.requirements[teamID]
	s.mu.Unlock()

	replacement, err := s.matchReplacement(ctx, team, req, role)
	if err != nil {
		return nil, err
	}
	if replacement == nil {
		s.markDegraded(teamID, team)
		s.releaseAgent(ctx, oldAgentID)
		return nil, types.Errorf(types.ErrNoCandidate, "no replacement for role %s on team %s", role, teamID)
	}

	// Reserve, hand context over, then swap membership and release the
	// outgoing agent. The handoff happens while the old member still holds
	// its seat, so no context is lost.
	if ok, err := s.reserve(ctx, replacement.AgentID); err != nil {
		return nil, err
	} else if !ok {
		return nil, types.Errorf(types.ErrAgentUnavailable, "replacement %s no longer free", replacement.AgentID)
	}

	if s.onHandoff != nil {
		if err := s.onHandoff(ctx, teamID, *replacement); err != nil {
			s.releaseReservations(ctx, []string{replacement.AgentID})
			return nil, types.Errorf(types.ErrAgentUnavailable, "context handoff to %s failed", replacement.AgentID).WithCause(err)
		}
	}

	if swapped, err := s.registry.CompareAndSwapAvailability(ctx, replacement.AgentID, types.AvailabilityReserved, types.AvailabilityBusy); err != nil {
		return nil, err
	} else if !swapped {
		return nil, types.Errorf(types.ErrAgentUnavailable, "replacement %s lost reservation during handoff", replacement.AgentID)
	}

	s.mu.Lock()
	for i := range team.Members {
		if team.Members[i].AgentID == oldAgentID {
			team.Members[i] = *replacement
			break
		}
	}
	s.mu.Unlock()

	s.releaseAgent(ctx, oldAgentID)

	s.logger.Info("team member replaced",
		zap.String("team_id", teamID),
		zap.String("old", oldAgentID),
		zap.String("new", replacement.AgentID),
		zap.String("role", string(role)),
	)
	return replacement, nil
}

// Disband releases all members of a team and marks it DISBANDED.
func (s *Service) Disband(ctx context.Context, teamID string) error {
	s.mu.Lock()
	team, ok := s.teams[teamID]
	if !ok {
		s.mu.Unlock()
		return types.Errorf(types.ErrTeamNotFound, "team %s not found", teamID)
	}
	if team.Status == types.TeamDisbanded {
		s.mu.Unlock()
		return nil
	}
	team.Status = types.TeamDisbanded
	members := team.MemberIDs()
	s.mu.Unlock()

	for _, id := range members {
		s.releaseAgent(ctx, id)
	}
	s.logger.Info("team disbanded", zap.String("team_id", teamID))
	return nil
}

// Team returns a copy of the team.
func (s *Service) Team(teamID string) (*types.AgentTeam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[teamID]
	if !ok {
		return nil, types.Errorf(types.ErrTeamNotFound, "team %s not found", teamID)
	}
	return team.Clone(), nil
}

// reserveAll reserves every member. Returns the ids actually reserved and
// whether all swaps won.
func (s *Service) reserveAll(ctx context.Context, members []types.TeamMember) ([]string, bool, error) {
	reserved := make([]string, 0, len(members))
	for _, m := range members {
		ok, err := s.reserve(ctx, m.AgentID)
		if err != nil {
			return reserved, false, err
		}
		if !ok {
			return reserved, false, nil
		}
		reserved = append(reserved, m.AgentID)
	}
	return reserved, true, nil
}

func (s *Service) reserve(ctx context.Context, agentID string) (bool, error) {
	return s.registry.CompareAndSwapAvailability(ctx, agentID, types.AvailabilityFree, types.AvailabilityReserved)
}

// releaseReservations returns reserved agents to FREE.
func (s *Service) releaseReservations(ctx context.Context, agentIDs []string) {
	for _, id := range agentIDs {
		if _, err := s.registry.CompareAndSwapAvailability(ctx, id, types.AvailabilityReserved, types.AvailabilityFree); err != nil {
			s.logger.Warn("failed to release reservation", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// releaseAgent frees a busy or reserved agent. An OFFLINE agent stays
// offline.
func (s *Service) releaseAgent(ctx context.Context, agentID string) {
	for _, from := range []types.Availability{types.AvailabilityBusy, types.AvailabilityReserved} {
		swapped, err := s.registry.CompareAndSwapAvailability(ctx, agentID, from, types.AvailabilityFree)
		if err != nil {
			s.logger.Warn("failed to release agent", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if swapped {
			return
		}
	}
}

// matchReplacement runs the matcher for a single vacated role, excluding
// current team members.
func (s *Service) matchReplacement(ctx context.Context, team *types.AgentTeam, req *types.TaskRequirement, role types.CapabilityKind) (*types.TeamMember, error) {
	minProficiency := 0.0
	if req != nil {
		for _, c := range req.HardCapabilities() {
			if c.Kind == role {
				minProficiency = c.MinProficiency
				break
			}
		}
	}

	scoped := &types.TaskRequirement{
		TaskID:       team.TaskID,
		Capabilities: []types.CapabilityRequirement{{Kind: role, MinProficiency: minProficiency}},
		MinTeamSize:  1,
		MaxTeamSize:  1,
	}
	if req != nil {
		scoped.Capabilities = append(scoped.Capabilities, req.SoftCapabilities()...)
	}

	candidates, err := s.matcher.FindCandidates(ctx, scoped)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	onTeam := make(map[string]struct{}, len(team.Members))
	for _, m := range team.Members {
		onTeam[m.AgentID] = struct{}{}
	}
	s.mu.RUnlock()

	for _, c := range candidates {
		if _, taken := onTeam[c.Profile.ID]; taken {
			continue
		}
		return &types.TeamMember{
			AgentID:     c.Profile.ID,
			Role:        role,
			Proficiency: c.Profile.Proficiency(role),
		}, nil
	}
	return nil, nil
}

func (s *Service) markDegraded(teamID string, team *types.AgentTeam) {
	s.mu.Lock()
	team.Status = types.TeamDegraded
	s.mu.Unlock()

	s.logger.Warn("team degraded", zap.String("team_id", teamID))
	if s.onDegraded != nil {
		s.onDegraded(teamID)
	}
}
