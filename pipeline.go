package collabcore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/collabcore/negotiation"
	"github.com/BaSui01/collabcore/registry"
	"github.com/BaSui01/collabcore/types"
)

// runTask drives one task through the pipeline. It owns the task's status
// transitions and always seals the task in a terminal status before
// signalling done.
func (c *Core) runTask(ctx context.Context, state *taskState, req *types.TaskRequirement) {
	defer close(state.done)
	defer func() {
		c.mu.RLock()
		status := state.status
		c.mu.RUnlock()
		if c.collector != nil {
			c.collector.RecordTask(string(status))
		}
	}()

	logger := c.logger.With(zap.String("task_id", req.TaskID))

	team, err := c.formTeam(ctx, req)
	if err != nil {
		logger.Warn("team formation failed", zap.Error(err))
		c.failWith(state, err)
		return
	}
	c.mu.Lock()
	state.team = team
	c.teams[team.ID] = req.TaskID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.teams, team.ID)
		c.mu.Unlock()
		c.formation.Disband(context.Background(), team.ID)
	}()

	if err := c.formation.Commit(ctx, team.ID); err != nil {
		logger.Warn("team commit failed", zap.Error(err))
		c.failWith(state, err)
		return
	}

	c.setStatus(state, types.TaskNegotiating)
	result, err := c.negotiate(ctx, state, team, req)
	if err != nil && types.IsCode(err, types.ErrNegotiationFailed) {
		// One replacement attempt before escalating: swap the weakest
		// participant and renegotiate.
		if fresh := c.replaceWeakest(ctx, team, result); fresh != nil {
			logger.Info("renegotiating after member replacement",
				zap.Strings("members", fresh.MemberIDs()))
			c.mu.Lock()
			state.team = fresh
			c.mu.Unlock()
			team = fresh
			result, err = c.negotiate(ctx, state, team, req)
		}
	}
	if err != nil {
		logger.Warn("negotiation did not resolve", zap.Error(err))
		c.failWith(state, err)
		c.recordEpisode(req.TaskID, team, result, types.TaskFailed)
		return
	}
	logger.Info("negotiation resolved",
		zap.String("negotiation_id", result.ID),
		zap.Int("rounds", result.Round),
		zap.Float64("total_cost", result.TotalCost),
	)

	c.setStatus(state, types.TaskExecuting)
	execErr := c.execute(ctx, team, result)
	c.store.CloseWrites(req.TaskID)

	final := types.TaskCompleted
	if execErr != nil {
		logger.Warn("execution failed", zap.Error(execErr))
		final = types.TaskFailed
		c.failWith(state, execErr)
	} else {
		c.setStatus(state, final)
		logger.Info("task completed")
	}
	c.recordEpisode(req.TaskID, team, result, final)
}

// formTeam runs formation with timing metrics.
func (c *Core) formTeam(ctx context.Context, req *types.TaskRequirement) (*types.AgentTeam, error) {
	started := now()
	team, err := c.formation.FormTeam(ctx, req)
	if c.collector != nil {
		result := "formed"
		if err != nil {
			result = "error"
			if types.IsCode(err, types.ErrNoCandidate) {
				result = "no_candidate"
			}
		}
		c.collector.RecordFormation(result, now().Sub(started))
	}
	return team, err
}

// negotiate runs the engine over the team's registered runtimes.
func (c *Core) negotiate(ctx context.Context, state *taskState, team *types.AgentTeam, req *types.TaskRequirement) (*negotiation.Negotiation, error) {
	profiles := make(map[string]*types.AgentProfile, len(team.Members))
	proposers := make(map[string]negotiation.Proposer, len(team.Members))
	for _, m := range team.Members {
		profile, err := c.registry.Get(ctx, m.AgentID)
		if err != nil {
			return nil, err
		}
		profiles[m.AgentID] = profile

		c.mu.RLock()
		runtime, ok := c.runtimes[m.AgentID]
		c.mu.RUnlock()
		if !ok {
			return nil, types.Errorf(types.ErrAgentNotFound, "agent %s has no registered runtime", m.AgentID)
		}
		proposers[m.AgentID] = runtime
	}

	started := now()
	result, err := c.engine.Run(ctx, team, req, profiles, proposers)

	c.mu.Lock()
	state.result = result
	c.mu.Unlock()

	if c.collector != nil && result != nil {
		c.collector.RecordNegotiation(string(result.Status), result.Round, now().Sub(started))
		for _, round := range result.Trace.Rounds {
			for _, conflict := range round.Conflicts {
				c.collector.RecordConflict(conflict.Rule)
			}
		}
	}
	return result, err
}

// replaceWeakest swaps out the member most implicated in a failed
// negotiation: an unplaced member of the final round if there is one, then
// a timed-out member, then the lowest-proficiency member. Returns the
// refreshed team, or nil when no replacement joined.
func (c *Core) replaceWeakest(ctx context.Context, team *types.AgentTeam, result *negotiation.Negotiation) *types.AgentTeam {
	target := ""
	if result != nil && len(result.Trace.Rounds) > 0 {
		last := result.Trace.Rounds[len(result.Trace.Rounds)-1]
		if len(last.Unplaced) > 0 {
			target = last.Unplaced[0]
		} else if len(last.TimedOut) > 0 {
			target = last.TimedOut[0]
		}
	}
	if target == "" {
		lowest := 2.0
		for _, m := range team.Members {
			if m.Proficiency < lowest {
				lowest = m.Proficiency
				target = m.AgentID
			}
		}
	}
	if target == "" {
		return nil
	}

	if _, err := c.formation.ReplaceMember(ctx, team.ID, target); err != nil {
		c.logger.Warn("replacement after failed negotiation found no one",
			zap.String("team_id", team.ID),
			zap.String("agent_id", target),
			zap.Error(err),
		)
		return nil
	}
	fresh, err := c.formation.Team(team.ID)
	if err != nil {
		return nil
	}
	return fresh
}

// execute fans the resolved assignments out to the owning runtimes. Each
// agent runs its assignments in order; agents run concurrently. The first
// failure cancels the rest.
func (c *Core) execute(ctx context.Context, team *types.AgentTeam, result *negotiation.Negotiation) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, m := range team.Members {
		assignments := result.AssignmentsFor(m.AgentID)
		if len(assignments) == 0 {
			continue
		}
		c.mu.RLock()
		runtime, ok := c.runtimes[m.AgentID]
		c.mu.RUnlock()
		if !ok {
			return types.Errorf(types.ErrAgentNotFound, "agent %s has no registered runtime", m.AgentID)
		}

		agentID := m.AgentID
		g.Go(func() error {
			for _, a := range assignments {
				if err := runtime.Execute(gctx, result.TaskID, a, c.store); err != nil {
					return fmt.Errorf("agent %s failed assignment %s: %w", agentID, a.ItemID, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return types.NewError(types.ErrTimeout, "task execution cancelled").WithCause(ctx.Err())
		}
		return err
	}
	if ctx.Err() != nil {
		return types.NewError(types.ErrTimeout, "task execution cancelled").WithCause(ctx.Err())
	}
	return nil
}

// recordEpisode enqueues the episode outcome for learning. Recording never
// blocks the pipeline; drops are counted by the recorder.
func (c *Core) recordEpisode(taskID string, team *types.AgentTeam, result *negotiation.Negotiation, final types.TaskStatus) {
	event := &types.LearningEvent{
		EpisodeID:   uuid.New().String(),
		TaskID:      taskID,
		Team:        *team.Clone(),
		FinalStatus: final,
		RecordedAt:  now(),
		Outcome:     map[string]float64{},
	}
	if result != nil {
		event.NegotiationID = result.ID
		event.NegotiationRounds = result.Round
		event.Outcome["total_cost"] = result.TotalCost
		event.Outcome["assignments"] = float64(len(result.Assignments))
	}
	if final == types.TaskCompleted {
		event.Outcome["success"] = 1
	} else {
		event.Outcome["success"] = 0
	}

	if err := c.recorder.Record(event); err != nil {
		c.logger.Warn("episode not recorded",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		if c.collector != nil {
			c.collector.RecordEpisode("dropped")
		}
		return
	}
	if c.collector != nil {
		c.collector.RecordEpisode("persisted")
	}
}

// handoffContext pushes the full visible context of the team's task to an
// incoming replacement member before it may write.
func (c *Core) handoffContext(ctx context.Context, teamID string, incoming types.TeamMember) error {
	c.mu.RLock()
	taskID, ok := c.teams[teamID]
	runtime := c.runtimes[incoming.AgentID]
	c.mu.RUnlock()
	if !ok {
		return types.Errorf(types.ErrTeamNotFound, "team %s has no running task", teamID)
	}

	receiver, wants := runtime.(ContextReceiver)
	if !wants {
		// The runtime reads the store on demand, nothing to push.
		if c.collector != nil {
			c.collector.RecordMemberSwap("replaced")
		}
		return nil
	}

	snapshot, err := c.store.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	if err := receiver.ReceiveContext(ctx, taskID, snapshot); err != nil {
		return err
	}
	if c.collector != nil {
		c.collector.RecordMemberSwap("replaced")
	}
	c.logger.Info("context handed off",
		zap.String("team_id", teamID),
		zap.String("task_id", taskID),
		zap.String("agent_id", incoming.AgentID),
		zap.Int("keys", len(snapshot)),
	)
	return nil
}

// onRegistryEvent watches for churn: a member dropping OFFLINE while its
// task runs triggers the replacement protocol. Handlers must not block, so
// the replacement itself runs detached.
func (c *Core) onRegistryEvent(event registry.Event) {
	if event.Type != registry.EventAvailabilityChanged || event.Availability != types.AvailabilityOffline {
		return
	}

	c.mu.RLock()
	var taskID string
	for id, state := range c.tasks {
		if !state.status.Terminal() && state.team != nil && state.team.HasMember(event.AgentID) {
			taskID = id
			break
		}
	}
	c.mu.RUnlock()
	if taskID == "" {
		return
	}

	go func() {
		if _, err := c.ReplaceTeamMember(context.Background(), taskID, event.AgentID); err != nil {
			c.logger.Warn("churn replacement failed",
				zap.String("task_id", taskID),
				zap.String("agent_id", event.AgentID),
				zap.Error(err),
			)
		}
	}()
}

// onTeamDegraded marks the team's task DEGRADED while it keeps running.
func (c *Core) onTeamDegraded(teamID string) {
	c.mu.Lock()
	taskID, ok := c.teams[teamID]
	if ok {
		if state, exists := c.tasks[taskID]; exists && !state.status.Terminal() {
			state.status = types.TaskDegraded
		}
	}
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.RecordMemberSwap("degraded")
	}
	c.logger.Warn("team degraded, task continues with reduced scope",
		zap.String("team_id", teamID),
	)
}
