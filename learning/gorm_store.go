package learning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/collabcore/types"
)

// episodeRecord is the database row for one episode. The team and outcome
// are stored as JSON; the composite unique index enforces write-once.
type episodeRecord struct {
	ID                uint   `gorm:"primaryKey"`
	TaskID            string `gorm:"uniqueIndex:idx_task_episode;size:128;not null"`
	EpisodeID         string `gorm:"uniqueIndex:idx_task_episode;size:128;not null"`
	NegotiationID     string `gorm:"size:128;index"`
	NegotiationRounds int
	TeamJSON          string `gorm:"type:text"`
	OutcomeJSON       string `gorm:"type:text"`
	FinalStatus       string `gorm:"size:32"`
	RecordedAt        time.Time
	CreatedAt         time.Time
}

func (episodeRecord) TableName() string {
	return "episodes"
}

// GormEpisodeStore is a database-backed EpisodeStore. Works with any GORM
// dialect; tests run it on in-memory SQLite.
type GormEpisodeStore struct {
	db *gorm.DB
}

var _ EpisodeStore = (*GormEpisodeStore)(nil)

// NewGormEpisodeStore migrates the episode table and returns the store.
func NewGormEpisodeStore(db *gorm.DB) (*GormEpisodeStore, error) {
	if err := db.AutoMigrate(&episodeRecord{}); err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "episode table migration failed").WithCause(err)
	}
	return &GormEpisodeStore{db: db}, nil
}

func (s *GormEpisodeStore) Save(ctx context.Context, event *types.LearningEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	teamJSON, err := json.Marshal(event.Team)
	if err != nil {
		return types.NewError(types.ErrInvalidInput, "team is not serializable").WithCause(err)
	}
	outcomeJSON, err := json.Marshal(event.Outcome)
	if err != nil {
		return types.NewError(types.ErrInvalidInput, "outcome is not serializable").WithCause(err)
	}

	record := &episodeRecord{
		TaskID:            event.TaskID,
		EpisodeID:         event.EpisodeID,
		NegotiationID:     event.NegotiationID,
		NegotiationRounds: event.NegotiationRounds,
		TeamJSON:          string(teamJSON),
		OutcomeJSON:       string(outcomeJSON),
		FinalStatus:       string(event.FinalStatus),
		RecordedAt:        event.RecordedAt,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return types.Errorf(types.ErrEpisodeDuplicate,
				"episode %s already recorded for task %s", event.EpisodeID, event.TaskID)
		}
		return types.NewError(types.ErrContextStoreUnavailable, "episode write failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *GormEpisodeStore) Get(ctx context.Context, taskID, episodeID string) (*types.LearningEvent, error) {
	var record episodeRecord
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND episode_id = ?", taskID, episodeID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrTaskNotFound, "episode %s not found for task %s", episodeID, taskID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "episode read failed").
			WithCause(err).WithRetryable(true)
	}
	return record.toEvent()
}

func (s *GormEpisodeStore) ListByTask(ctx context.Context, taskID string) ([]*types.LearningEvent, error) {
	var records []episodeRecord
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("recorded_at, episode_id").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "episode list failed").
			WithCause(err).WithRetryable(true)
	}
	return toEvents(records)
}

// ListByAgent scans episode teams for the agent. Membership lives inside
// the team JSON, so this filters in memory rather than in SQL.
func (s *GormEpisodeStore) ListByAgent(ctx context.Context, agentID string) ([]*types.LearningEvent, error) {
	var records []episodeRecord
	err := s.db.WithContext(ctx).
		Order("recorded_at, episode_id").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "episode list failed").
			WithCause(err).WithRetryable(true)
	}
	events, err := toEvents(records)
	if err != nil {
		return nil, err
	}
	var out []*types.LearningEvent
	for _, event := range events {
		if event.Team.HasMember(agentID) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *GormEpisodeStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *episodeRecord) toEvent() (*types.LearningEvent, error) {
	event := &types.LearningEvent{
		EpisodeID:         r.EpisodeID,
		TaskID:            r.TaskID,
		NegotiationID:     r.NegotiationID,
		NegotiationRounds: r.NegotiationRounds,
		FinalStatus:       types.TaskStatus(r.FinalStatus),
		RecordedAt:        r.RecordedAt,
	}
	if r.TeamJSON != "" {
		if err := json.Unmarshal([]byte(r.TeamJSON), &event.Team); err != nil {
			return nil, types.NewError(types.ErrContextStoreUnavailable, "corrupt episode team").WithCause(err)
		}
	}
	if r.OutcomeJSON != "" {
		if err := json.Unmarshal([]byte(r.OutcomeJSON), &event.Outcome); err != nil {
			return nil, types.NewError(types.ErrContextStoreUnavailable, "corrupt episode outcome").WithCause(err)
		}
	}
	return event, nil
}

func toEvents(records []episodeRecord) ([]*types.LearningEvent, error) {
	events := make([]*types.LearningEvent, 0, len(records))
	for i := range records {
		event, err := records[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// isUniqueViolation catches dialects that do not map duplicates onto
// gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}
