package learning

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/collabcore/types"
)

// EpisodeStore persists episode records. Records are write-once: saving an
// episode id that already exists for the task fails with EPISODE_DUPLICATE,
// and nothing ever updates or deletes a stored record.
type EpisodeStore interface {
	Save(ctx context.Context, event *types.LearningEvent) error
	Get(ctx context.Context, taskID, episodeID string) (*types.LearningEvent, error)

	// ListByTask returns a task's episodes ordered by recording time.
	ListByTask(ctx context.Context, taskID string) ([]*types.LearningEvent, error)

	// ListByAgent returns the episodes whose team included the agent.
	ListByAgent(ctx context.Context, agentID string) ([]*types.LearningEvent, error)

	Close() error
}

type episodeKey struct {
	taskID    string
	episodeID string
}

// MemoryEpisodeStore is an in-memory EpisodeStore for single-process
// deployments and tests.
type MemoryEpisodeStore struct {
	mu       sync.RWMutex
	episodes map[episodeKey]*types.LearningEvent
}

var _ EpisodeStore = (*MemoryEpisodeStore)(nil)

// NewMemoryEpisodeStore creates an empty in-memory episode store.
func NewMemoryEpisodeStore() *MemoryEpisodeStore {
	return &MemoryEpisodeStore{episodes: make(map[episodeKey]*types.LearningEvent)}
}

func (s *MemoryEpisodeStore) Save(_ context.Context, event *types.LearningEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ek := episodeKey{event.TaskID, event.EpisodeID}
	if _, exists := s.episodes[ek]; exists {
		return types.Errorf(types.ErrEpisodeDuplicate,
			"episode %s already recorded for task %s", event.EpisodeID, event.TaskID)
	}
	s.episodes[ek] = cloneEvent(event)
	return nil
}

func (s *MemoryEpisodeStore) Get(_ context.Context, taskID, episodeID string) (*types.LearningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.episodes[episodeKey{taskID, episodeID}]
	if !ok {
		return nil, types.Errorf(types.ErrTaskNotFound, "episode %s not found for task %s", episodeID, taskID)
	}
	return cloneEvent(event), nil
}

func (s *MemoryEpisodeStore) ListByTask(_ context.Context, taskID string) ([]*types.LearningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.LearningEvent
	for ek, event := range s.episodes {
		if ek.taskID == taskID {
			out = append(out, cloneEvent(event))
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryEpisodeStore) ListByAgent(_ context.Context, agentID string) ([]*types.LearningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.LearningEvent
	for _, event := range s.episodes {
		if event.Team.HasMember(agentID) {
			out = append(out, cloneEvent(event))
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryEpisodeStore) Close() error {
	return nil
}

func sortEvents(events []*types.LearningEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].RecordedAt.Equal(events[j].RecordedAt) {
			return events[i].EpisodeID < events[j].EpisodeID
		}
		return events[i].RecordedAt.Before(events[j].RecordedAt)
	})
}

func cloneEvent(e *types.LearningEvent) *types.LearningEvent {
	cp := *e
	cp.Team = *e.Team.Clone()
	if e.Outcome != nil {
		cp.Outcome = make(map[string]float64, len(e.Outcome))
		for k, v := range e.Outcome {
			cp.Outcome[k] = v
		}
	}
	return &cp
}
