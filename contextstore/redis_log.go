package contextstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/collabcore/types"
)

// RedisConfig configures the Redis-backed version log.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "collabcore:",
	}
}

// RedisLog is a Redis-backed VersionLog for distributed deployments. Each
// chain is a Redis list of JSON-encoded items; the version of an item is
// its one-based position, so the list length is always the latest version.
// Values round-trip through JSON.
type RedisLog struct {
	client *redis.Client
	prefix string
}

var _ VersionLog = (*RedisLog)(nil)

// appendScript commits an item only when the chain length still equals the
// claimed predecessor, and registers the key for the task in one atomic
// step.
var appendScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if len ~= tonumber(ARGV[1]) then
    return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return len + 1
`)

// NewRedisLog connects to Redis and verifies the connection.
func NewRedisLog(config RedisConfig) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "redis connection failed").
			WithCause(err).WithRetryable(true)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisLog{client: client, prefix: prefix + "ctx:"}, nil
}

func (l *RedisLog) chainKey(taskID, key string) string {
	return l.prefix + "chain:" + taskID + ":" + key
}

func (l *RedisLog) keysKey(taskID string) string {
	return l.prefix + "keys:" + taskID
}

func unavailable(err error) error {
	return types.NewError(types.ErrContextStoreUnavailable, "redis operation failed").
		WithCause(err).WithRetryable(true)
}

// Append commits the item if its predecessor is still the latest version.
func (l *RedisLog) Append(ctx context.Context, item *types.ContextItem) (uint64, error) {
	committed := item.Clone()
	committed.Version = committed.Predecessor + 1

	data, err := json.Marshal(committed)
	if err != nil {
		return 0, types.NewError(types.ErrInvalidInput, "context value is not serializable").WithCause(err)
	}

	version, err := appendScript.Run(ctx, l.client,
		[]string{l.chainKey(item.TaskID, item.Key), l.keysKey(item.TaskID)},
		item.Predecessor, data, item.Key,
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	if version < 0 {
		latest, lenErr := l.client.LLen(ctx, l.chainKey(item.TaskID, item.Key)).Result()
		if lenErr != nil {
			latest = -1
		}
		return 0, types.Errorf(types.ErrVersionConflict,
			"key %s: expected predecessor %d, latest is %d", item.Key, item.Predecessor, latest).
			WithRetryable(true)
	}
	return uint64(version), nil
}

func (l *RedisLog) Get(ctx context.Context, taskID, key string, version uint64) (*types.ContextItem, error) {
	if version == 0 {
		return nil, types.Errorf(types.ErrVersionNotFound, "key %s has no version 0", key)
	}
	data, err := l.client.LIndex(ctx, l.chainKey(taskID, key), int64(version-1)).Result()
	if err == redis.Nil {
		length, lenErr := l.client.LLen(ctx, l.chainKey(taskID, key)).Result()
		if lenErr == nil && length == 0 {
			return nil, types.Errorf(types.ErrKeyNotFound, "key %s not found for task %s", key, taskID)
		}
		return nil, types.Errorf(types.ErrVersionNotFound, "key %s has no version %d", key, version)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeItem([]byte(data))
}

func (l *RedisLog) Latest(ctx context.Context, taskID, key string) (*types.ContextItem, error) {
	data, err := l.client.LIndex(ctx, l.chainKey(taskID, key), -1).Result()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrKeyNotFound, "key %s not found for task %s", key, taskID)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeItem([]byte(data))
}

func (l *RedisLog) Range(ctx context.Context, taskID, key string, after uint64) ([]*types.ContextItem, error) {
	data, err := l.client.LRange(ctx, l.chainKey(taskID, key), int64(after), -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	items := make([]*types.ContextItem, 0, len(data))
	for _, raw := range data {
		item, decErr := decodeItem([]byte(raw))
		if decErr != nil {
			return nil, decErr
		}
		items = append(items, item)
	}
	return items, nil
}

func (l *RedisLog) Keys(ctx context.Context, taskID string) ([]string, error) {
	keys, err := l.client.SMembers(ctx, l.keysKey(taskID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *RedisLog) Purge(ctx context.Context, taskID string) error {
	keys, err := l.client.SMembers(ctx, l.keysKey(taskID)).Result()
	if err != nil {
		return unavailable(err)
	}
	pipe := l.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, l.chainKey(taskID, key))
	}
	pipe.Del(ctx, l.keysKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

// Ping checks backend health.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func decodeItem(data []byte) (*types.ContextItem, error) {
	var item types.ContextItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, types.NewError(types.ErrContextStoreUnavailable, "corrupt context item").WithCause(err)
	}
	return &item, nil
}
