package contextstore

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/collabcore/types"
)

// VersionLog is the storage backend for per-key version chains. The store
// layers subscription fan-out and lifecycle on top of it.
//
// Append is conditional: it commits only when item.Predecessor equals the
// chain's current latest version (zero for an empty chain) and returns the
// committed version, which is always latest+1. A mismatch returns a
// retryable VERSION_CONFLICT error.
type VersionLog interface {
	Append(ctx context.Context, item *types.ContextItem) (uint64, error)
	Get(ctx context.Context, taskID, key string, version uint64) (*types.ContextItem, error)
	Latest(ctx context.Context, taskID, key string) (*types.ContextItem, error)

	// Range returns the items with version > after, in version order.
	Range(ctx context.Context, taskID, key string, after uint64) ([]*types.ContextItem, error)

	// Keys lists the keys written for a task, sorted.
	Keys(ctx context.Context, taskID string) ([]string, error)

	// Purge drops every chain of a task.
	Purge(ctx context.Context, taskID string) error

	Close() error
}

type chainKey struct {
	taskID string
	key    string
}

// MemoryLog is an in-memory VersionLog for single-process deployments and
// tests.
type MemoryLog struct {
	mu     sync.RWMutex
	chains map[chainKey][]*types.ContextItem
}

var _ VersionLog = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory version log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{chains: make(map[chainKey][]*types.ContextItem)}
}

// Append commits the item if its predecessor is still the latest version.
func (l *MemoryLog) Append(_ context.Context, item *types.ContextItem) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ck := chainKey{item.TaskID, item.Key}
	chain := l.chains[ck]
	latest := uint64(len(chain))
	if item.Predecessor != latest {
		return 0, types.Errorf(types.ErrVersionConflict,
			"key %s: expected predecessor %d, latest is %d", item.Key, item.Predecessor, latest).
			WithRetryable(true)
	}

	committed := item.Clone()
	committed.Version = latest + 1
	l.chains[ck] = append(chain, committed)
	return committed.Version, nil
}

func (l *MemoryLog) Get(_ context.Context, taskID, key string, version uint64) (*types.ContextItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.chains[chainKey{taskID, key}]
	if !ok {
		return nil, types.Errorf(types.ErrKeyNotFound, "key %s not found for task %s", key, taskID)
	}
	if version == 0 || version > uint64(len(chain)) {
		return nil, types.Errorf(types.ErrVersionNotFound, "key %s has no version %d", key, version)
	}
	return chain[version-1].Clone(), nil
}

func (l *MemoryLog) Latest(_ context.Context, taskID, key string) (*types.ContextItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.chains[chainKey{taskID, key}]
	if !ok || len(chain) == 0 {
		return nil, types.Errorf(types.ErrKeyNotFound, "key %s not found for task %s", key, taskID)
	}
	return chain[len(chain)-1].Clone(), nil
}

func (l *MemoryLog) Range(_ context.Context, taskID, key string, after uint64) ([]*types.ContextItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.chains[chainKey{taskID, key}]
	if after >= uint64(len(chain)) {
		return nil, nil
	}
	out := make([]*types.ContextItem, 0, uint64(len(chain))-after)
	for _, item := range chain[after:] {
		out = append(out, item.Clone())
	}
	return out, nil
}

func (l *MemoryLog) Keys(_ context.Context, taskID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var keys []string
	for ck := range l.chains {
		if ck.taskID == taskID {
			keys = append(keys, ck.key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *MemoryLog) Purge(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ck := range l.chains {
		if ck.taskID == taskID {
			delete(l.chains, ck)
		}
	}
	return nil
}

func (l *MemoryLog) Close() error {
	return nil
}
