package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/types"
)

// AgentRegistry is the default in-memory implementation of Registry.
type AgentRegistry struct {
	mu sync.RWMutex

	// agents stores registered profiles by id.
	agents map[string]*types.AgentProfile

	// handlers stores subscribed event handlers.
	handlers  map[int]EventHandler
	nextSub   int
	handlerMu sync.RWMutex

	logger *zap.Logger
}

// NewAgentRegistry creates a new agent registry.
func NewAgentRegistry(logger *zap.Logger) *AgentRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentRegistry{
		agents:   make(map[string]*types.AgentProfile),
		handlers: make(map[int]EventHandler),
		logger:   logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent profile.
func (r *AgentRegistry) Register(ctx context.Context, profile *types.AgentProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.agents[profile.ID]; exists {
		r.mu.Unlock()
		return types.Errorf(types.ErrDuplicateAgent, "agent %s already registered", profile.ID)
	}

	stored := profile.Clone()
	now := time.Now()
	stored.RegisteredAt = now
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}
	if stored.Availability == "" {
		stored.Availability = types.AvailabilityFree
	}
	r.agents[stored.ID] = stored
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.Int("capabilities", len(stored.Capabilities)),
	)
	r.emit(Event{Type: EventAgentRegistered, AgentID: stored.ID, Availability: stored.Availability, At: now})
	return nil
}

// Unregister removes an agent.
func (r *AgentRegistry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if _, exists := r.agents[agentID]; !exists {
		r.mu.Unlock()
		return types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	r.emit(Event{Type: EventAgentUnregistered, AgentID: agentID, At: time.Now()})
	return nil
}

// Get returns a copy of the agent's profile.
func (r *AgentRegistry) Get(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.agents[agentID]
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	return profile.Clone(), nil
}

// List returns copies of all registered profiles in id order.
func (r *AgentRegistry) List(ctx context.Context) ([]*types.AgentProfile, error) {
	r.mu.RLock()
	profiles := make([]*types.AgentProfile, 0, len(r.agents))
	for _, p := range r.agents {
		profiles = append(profiles, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// UpdateAvailability sets the agent's availability unconditionally.
func (r *AgentRegistry) UpdateAvailability(ctx context.Context, agentID string, state types.Availability) error {
	if !state.Valid() {
		return types.Errorf(types.ErrInvalidInput, "availability %q is unknown", state)
	}

	r.mu.Lock()
	profile, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	previous := profile.Availability
	profile.Availability = state
	r.mu.Unlock()

	if previous != state {
		r.logger.Debug("availability updated",
			zap.String("agent_id", agentID),
			zap.String("from", string(previous)),
			zap.String("to", string(state)),
		)
		r.emit(Event{
			Type:         EventAvailabilityChanged,
			AgentID:      agentID,
			Availability: state,
			Previous:     previous,
			At:           time.Now(),
		})
	}
	return nil
}

// CompareAndSwapAvailability transitions availability only from the expected
// state. A lost swap returns false with no error.
func (r *AgentRegistry) CompareAndSwapAvailability(ctx context.Context, agentID string, expected, next types.Availability) (bool, error) {
	if !next.Valid() {
		return false, types.Errorf(types.ErrInvalidInput, "availability %q is unknown", next)
	}

	r.mu.Lock()
	profile, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false, types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	if profile.Availability != expected {
		r.mu.Unlock()
		return false, nil
	}
	profile.Availability = next
	r.mu.Unlock()

	r.logger.Debug("availability swapped",
		zap.String("agent_id", agentID),
		zap.String("from", string(expected)),
		zap.String("to", string(next)),
	)
	r.emit(Event{
		Type:         EventAvailabilityChanged,
		AgentID:      agentID,
		Availability: next,
		Previous:     expected,
		At:           time.Now(),
	})
	return true, nil
}

// UpdateLoad sets the agent's current load.
func (r *AgentRegistry) UpdateLoad(ctx context.Context, agentID string, load float64) error {
	if load < 0 {
		return types.NewError(types.ErrInvalidInput, "load is negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[agentID]
	if !ok {
		return types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	profile.Load = load
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *AgentRegistry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[agentID]
	if !ok {
		return types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	profile.LastHeartbeat = time.Now()
	return nil
}

// Subscribe registers an event handler and returns its removal function.
func (r *AgentRegistry) Subscribe(handler EventHandler) func() {
	r.handlerMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.handlers[id] = handler
	r.handlerMu.Unlock()

	return func() {
		r.handlerMu.Lock()
		delete(r.handlers, id)
		r.handlerMu.Unlock()
	}
}

// emit delivers an event to all handlers. The registry lock is never held
// here, so handlers may call back into the registry.
func (r *AgentRegistry) emit(event Event) {
	r.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Ensure AgentRegistry implements Registry.
var _ Registry = (*AgentRegistry)(nil)
