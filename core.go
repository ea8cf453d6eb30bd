package collabcore

import (
	"context"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/collabcore/config"
	"github.com/BaSui01/collabcore/contextstore"
	"github.com/BaSui01/collabcore/formation"
	"github.com/BaSui01/collabcore/internal/metrics"
	"github.com/BaSui01/collabcore/learning"
	"github.com/BaSui01/collabcore/negotiation"
	"github.com/BaSui01/collabcore/registry"
	"github.com/BaSui01/collabcore/types"
)

// Core wires the collaboration components together and drives the task
// lifecycle.
type Core struct {
	config    *config.Config
	logger    *zap.Logger
	registry  registry.Registry
	matcher   registry.Matcher
	formation *formation.Service
	engine    *negotiation.Engine
	store     *contextstore.Store
	recorder  *learning.Recorder
	episodes  learning.EpisodeStore
	collector *metrics.Collector

	unsubscribe func()

	mu       sync.RWMutex
	runtimes map[string]AgentRuntime
	tasks    map[string]*taskState
	teams    map[string]string // teamID -> taskID
	closed   bool
}

// taskState tracks one task through the pipeline.
type taskState struct {
	id     string
	status types.TaskStatus
	team   *types.AgentTeam
	result *negotiation.Negotiation
	reason string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the core.
type Option func(*Core)

// WithLogger sets a custom zap logger instead of building one from the
// log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// WithMetricsRegisterer sets the Prometheus registerer metrics attach to.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Core) {
		if c.config.Metrics.Enabled {
			c.collector = metrics.NewCollector(c.config.Metrics.Namespace, reg, c.logger)
		}
	}
}

// New creates a collaboration core from configuration.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		config:   cfg,
		runtimes: make(map[string]AgentRuntime),
		tasks:    make(map[string]*taskState),
		teams:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		logger, err := cfg.Log.BuildLogger()
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	if c.collector == nil && cfg.Metrics.Enabled {
		c.collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, c.logger)
	}

	reg := registry.NewAgentRegistry(c.logger)
	c.registry = reg
	c.unsubscribe = reg.Subscribe(c.onRegistryEvent)
	c.matcher = registry.NewCapabilityMatcher(reg, cfg.Matcher, c.logger)
	c.formation = formation.NewService(reg, c.matcher,
		formation.Config{ChurnRetries: cfg.Formation.ChurnRetries},
		c.logger,
		formation.WithHandoff(c.handoffContext),
		formation.WithDegradedNotify(c.onTeamDegraded),
	)
	c.engine = negotiation.NewEngine(cfg.Negotiation, c.logger)

	log, err := buildVersionLog(cfg)
	if err != nil {
		return nil, err
	}
	c.store = contextstore.NewStore(log,
		contextstore.Config{SubscriptionBuffer: cfg.ContextStore.SubscriptionBuffer},
		c.logger,
	)

	episodes, err := buildEpisodeStore(cfg)
	if err != nil {
		return nil, err
	}
	c.episodes = episodes
	c.recorder = learning.NewRecorder(episodes, cfg.Learning.Recorder, c.logger)

	c.logger.Info("collaboration core initialized",
		zap.String("context_backend", string(cfg.ContextStore.Backend)),
		zap.String("learning_backend", string(cfg.Learning.Backend)),
	)
	return c, nil
}

func buildVersionLog(cfg *config.Config) (contextstore.VersionLog, error) {
	if cfg.ContextStore.Backend == config.BackendRedis {
		return contextstore.NewRedisLog(cfg.ContextStore.Redis)
	}
	return contextstore.NewMemoryLog(), nil
}

func buildEpisodeStore(cfg *config.Config) (learning.EpisodeStore, error) {
	if cfg.Learning.Backend == config.BackendSQLite {
		db, err := gorm.Open(sqlite.Open(cfg.Learning.SQLitePath), &gorm.Config{})
		if err != nil {
			return nil, types.NewError(types.ErrContextStoreUnavailable, "failed to open episode database").WithCause(err)
		}
		return learning.NewGormEpisodeStore(db)
	}
	return learning.NewMemoryEpisodeStore(), nil
}

// RegisterAgent registers an agent profile together with its runtime.
func (c *Core) RegisterAgent(ctx context.Context, profile *types.AgentProfile, runtime AgentRuntime) error {
	if runtime == nil {
		return types.NewError(types.ErrInvalidInput, "agent runtime is nil")
	}
	if err := c.registry.Register(ctx, profile); err != nil {
		return err
	}
	c.mu.Lock()
	c.runtimes[profile.ID] = runtime
	c.mu.Unlock()
	return nil
}

// UnregisterAgent removes an agent and its runtime.
func (c *Core) UnregisterAgent(ctx context.Context, agentID string) error {
	if err := c.registry.Unregister(ctx, agentID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.runtimes, agentID)
	c.mu.Unlock()
	return nil
}

// Registry exposes the agent registry for availability and load updates.
func (c *Core) Registry() registry.Registry {
	return c.registry
}

// ContextStore exposes the shared context store.
func (c *Core) ContextStore() *contextstore.Store {
	return c.store
}

// Episodes exposes the episode store for learning queries.
func (c *Core) Episodes() learning.EpisodeStore {
	return c.episodes
}

// SubmitTask validates a requirement and starts the pipeline. The returned
// task id is immediately queryable through TaskStatus.
func (c *Core) SubmitTask(ctx context.Context, req *types.TaskRequirement) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", types.NewError(types.ErrStoreClosed, "core is closed")
	}
	req = req.Clone()
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if _, exists := c.tasks[req.TaskID]; exists {
		c.mu.Unlock()
		return "", types.Errorf(types.ErrInvalidInput, "task %s already submitted", req.TaskID)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	state := &taskState{
		id:     req.TaskID,
		status: types.TaskForming,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.tasks[req.TaskID] = state
	c.mu.Unlock()

	go c.runTask(taskCtx, state, req)
	return req.TaskID, nil
}

// CancelTask aborts a running task. Cancelling a terminal task is an
// INVALID_TRANSITION.
func (c *Core) CancelTask(taskID string) error {
	c.mu.RLock()
	state, ok := c.tasks[taskID]
	var status types.TaskStatus
	if ok {
		status = state.status
	}
	c.mu.RUnlock()
	if !ok {
		return types.Errorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	if status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s already %s", taskID, status)
	}
	state.cancel()
	return nil
}

// TaskStatus returns the task's current lifecycle status.
func (c *Core) TaskStatus(taskID string) (types.TaskStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.tasks[taskID]
	if !ok {
		return "", types.Errorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	return state.status, nil
}

// TaskView is a snapshot of a task's state.
type TaskView struct {
	TaskID      string                   `json:"task_id"`
	Status      types.TaskStatus         `json:"status"`
	Team        *types.AgentTeam         `json:"team,omitempty"`
	Negotiation *negotiation.Negotiation `json:"negotiation,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
}

// Task returns a snapshot of the task.
func (c *Core) Task(taskID string) (*TaskView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.tasks[taskID]
	if !ok {
		return nil, types.Errorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	view := &TaskView{
		TaskID:      state.id,
		Status:      state.status,
		Negotiation: state.result,
		Reason:      state.reason,
	}
	if state.team != nil {
		view.Team = state.team.Clone()
	}
	return view, nil
}

// ReplaceTeamMember swaps one member of a running task's team for a fresh
// candidate. The shared context is handed to the replacement before the old
// member is released. With no candidate available the team degrades and the
// task keeps running at reduced scope.
func (c *Core) ReplaceTeamMember(ctx context.Context, taskID, agentID string) (*types.TeamMember, error) {
	c.mu.RLock()
	state, ok := c.tasks[taskID]
	var teamID string
	if ok && state.team != nil {
		teamID = state.team.ID
	}
	c.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	if teamID == "" {
		return nil, types.Errorf(types.ErrInvalidTransition, "task %s has no committed team", taskID)
	}

	member, err := c.formation.ReplaceMember(ctx, teamID, agentID)
	if err != nil {
		return nil, err
	}

	if team, terr := c.formation.Team(teamID); terr == nil {
		c.mu.Lock()
		state.team = team
		c.mu.Unlock()
	}
	return member, nil
}

// WaitTask blocks until the task reaches a terminal status or the context
// is done.
func (c *Core) WaitTask(ctx context.Context, taskID string) (types.TaskStatus, error) {
	c.mu.RLock()
	state, ok := c.tasks[taskID]
	c.mu.RUnlock()
	if !ok {
		return "", types.Errorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	select {
	case <-state.done:
		return c.TaskStatus(taskID)
	case <-ctx.Done():
		return "", types.NewError(types.ErrTimeout, "wait cancelled").WithCause(ctx.Err())
	}
}

// Close shuts the core down: running tasks are cancelled, the recorder
// drains, and the context store closes.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	states := make([]*taskState, 0, len(c.tasks))
	for _, state := range c.tasks {
		states = append(states, state)
	}
	c.mu.Unlock()

	for _, state := range states {
		state.cancel()
	}
	for _, state := range states {
		<-state.done
	}

	c.recorder.Close()
	return c.store.Close()
}

func (c *Core) setStatus(state *taskState, status types.TaskStatus) {
	c.mu.Lock()
	state.status = status
	c.mu.Unlock()
}

// fail seals a task in FAILED with a typed reason.
func (c *Core) fail(state *taskState, reason string) {
	c.mu.Lock()
	state.status = types.TaskFailed
	state.reason = reason
	c.mu.Unlock()
}

// failWith seals a task in FAILED, reasoned by the error's code when it
// carries one.
func (c *Core) failWith(state *taskState, err error) {
	reason := string(types.GetErrorCode(err))
	if reason == "" && err != nil {
		reason = err.Error()
	}
	c.fail(state, reason)
}

// now is the clock, replaceable in tests.
var now = time.Now
