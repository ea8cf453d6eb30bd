package contextstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/types"
)

// Config holds configuration for the context store.
type Config struct {
	// SubscriptionBuffer sizes each subscription's delivery channel.
	SubscriptionBuffer int `json:"subscription_buffer" yaml:"subscription_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{SubscriptionBuffer: 16}
}

// Store is the shared context store. It layers per-key write serialization,
// subscription fan-out, and task lifecycle on a VersionLog backend.
type Store struct {
	log    VersionLog
	config Config
	logger *zap.Logger

	// keyMu serializes append-and-notify per key so subscribers observe
	// versions in commit order.
	keyMu sync.Mutex
	locks map[chainKey]*sync.Mutex

	subMu   sync.Mutex
	subs    map[chainKey]map[int]*Subscription
	nextSub int

	stateMu     sync.Mutex
	writeClosed map[string]bool
	closed      bool
}

// NewStore creates a context store over the given version log.
func NewStore(log VersionLog, config Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SubscriptionBuffer <= 0 {
		config.SubscriptionBuffer = DefaultConfig().SubscriptionBuffer
	}
	return &Store{
		log:         log,
		config:      config,
		logger:      logger.With(zap.String("component", "context_store")),
		locks:       make(map[chainKey]*sync.Mutex),
		subs:        make(map[chainKey]map[int]*Subscription),
		writeClosed: make(map[string]bool),
	}
}

func (s *Store) keyLock(ck chainKey) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	lock, ok := s.locks[ck]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[ck] = lock
	}
	return lock
}

// Write commits a new version of a key. expectedPredecessor is the version
// the writer based its value on, zero for the first write. On a stale
// predecessor the write is rejected with a retryable VERSION_CONFLICT and
// the caller is expected to re-read and retry.
func (s *Store) Write(ctx context.Context, taskID, key string, value any, expectedPredecessor uint64, writerID string) (*types.ContextItem, error) {
	if taskID == "" || key == "" {
		return nil, types.NewError(types.ErrInvalidInput, "task id and key are required")
	}
	if err := s.writable(taskID); err != nil {
		return nil, err
	}

	item := &types.ContextItem{
		TaskID:      taskID,
		Key:         key,
		Value:       value,
		Predecessor: expectedPredecessor,
		WriterID:    writerID,
		WrittenAt:   time.Now(),
	}

	ck := chainKey{taskID, key}
	lock := s.keyLock(ck)
	lock.Lock()
	defer lock.Unlock()

	version, err := s.log.Append(ctx, item)
	if err != nil {
		if types.IsCode(err, types.ErrVersionConflict) {
			s.logger.Debug("write rejected",
				zap.String("task_id", taskID),
				zap.String("key", key),
				zap.String("writer_id", writerID),
				zap.Uint64("expected_predecessor", expectedPredecessor),
			)
		}
		return nil, err
	}

	committed := item.Clone()
	committed.Version = version
	s.notify(ck, committed)

	s.logger.Debug("context write committed",
		zap.String("task_id", taskID),
		zap.String("key", key),
		zap.Uint64("version", version),
		zap.String("writer_id", writerID),
	)
	return committed, nil
}

// Read returns the latest committed version of a key.
func (s *Store) Read(ctx context.Context, taskID, key string) (*types.ContextItem, error) {
	return s.log.Latest(ctx, taskID, key)
}

// ReadAt returns a specific committed version of a key.
func (s *Store) ReadAt(ctx context.Context, taskID, key string, version uint64) (*types.ContextItem, error) {
	return s.log.Get(ctx, taskID, key, version)
}

// Snapshot returns the latest version of every key of a task. Used for
// context handoff: the map is the complete visible context at call time.
func (s *Store) Snapshot(ctx context.Context, taskID string) (map[string]*types.ContextItem, error) {
	keys, err := s.log.Keys(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]*types.ContextItem, len(keys))
	for _, key := range keys {
		item, err := s.log.Latest(ctx, taskID, key)
		if err != nil {
			if types.IsCode(err, types.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		snapshot[key] = item
	}
	return snapshot, nil
}

// Subscribe opens a cursor over a key's chain starting after the given
// version: committed versions > after are replayed in order, then live
// writes follow. Subscribing to a key with no writes yet is valid.
func (s *Store) Subscribe(ctx context.Context, taskID, key string, after uint64) (*Subscription, error) {
	if taskID == "" || key == "" {
		return nil, types.NewError(types.ErrInvalidInput, "task id and key are required")
	}
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil, types.NewError(types.ErrStoreClosed, "context store is closed")
	}
	s.stateMu.Unlock()

	ck := chainKey{taskID, key}
	lock := s.keyLock(ck)
	lock.Lock()
	defer lock.Unlock()

	backlog, err := s.log.Range(ctx, taskID, key, after)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(taskID, key, after, s.config.SubscriptionBuffer)
	for _, item := range backlog {
		sub.enqueue(item)
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[ck] == nil {
		s.subs[ck] = make(map[int]*Subscription)
	}
	s.subs[ck][id] = sub
	s.subMu.Unlock()

	sub.unregister = func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if m, ok := s.subs[ck]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, ck)
			}
		}
	}
	return sub, nil
}

// notify fans a committed item out to the key's subscribers. Called with
// the key lock held, so items are enqueued in version order.
func (s *Store) notify(ck chainKey, item *types.ContextItem) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs[ck] {
		sub.enqueue(item)
	}
}

// writable checks the store and task write state.
func (s *Store) writable(taskID string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return types.NewError(types.ErrStoreClosed, "context store is closed")
	}
	if s.writeClosed[taskID] {
		return types.Errorf(types.ErrStoreClosed, "task %s context is closed for writes", taskID)
	}
	return nil
}

// CloseWrites seals a task's context: subsequent writes fail with
// STORE_CLOSED while reads and snapshots keep working. Called when the
// task reaches a terminal status.
func (s *Store) CloseWrites(taskID string) {
	s.stateMu.Lock()
	s.writeClosed[taskID] = true
	s.stateMu.Unlock()
	s.logger.Info("context closed for writes", zap.String("task_id", taskID))
}

// Purge drops a task's chains and ends its subscriptions.
func (s *Store) Purge(ctx context.Context, taskID string) error {
	s.subMu.Lock()
	var doomed []*Subscription
	for ck, m := range s.subs {
		if ck.taskID != taskID {
			continue
		}
		for _, sub := range m {
			doomed = append(doomed, sub)
		}
	}
	s.subMu.Unlock()
	for _, sub := range doomed {
		sub.Close()
	}

	s.stateMu.Lock()
	delete(s.writeClosed, taskID)
	s.stateMu.Unlock()

	return s.log.Purge(ctx, taskID)
}

// Close shuts the store down: all subscriptions end and every subsequent
// write fails with STORE_CLOSED.
func (s *Store) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	s.subMu.Lock()
	var doomed []*Subscription
	for _, m := range s.subs {
		for _, sub := range m {
			doomed = append(doomed, sub)
		}
	}
	s.subMu.Unlock()
	for _, sub := range doomed {
		sub.Close()
	}

	return s.log.Close()
}
