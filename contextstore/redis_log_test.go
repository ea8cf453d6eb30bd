package contextstore

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/BaSui01/collabcore/types"
)

func newTestRedisLog(t *testing.T) *RedisLog {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = srv.Addr()
	log, err := NewRedisLog(cfg)
	if err != nil {
		t.Fatalf("failed to create redis log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestRedisLog_AppendAndRead(t *testing.T) {
	log := newTestRedisLog(t)
	ctx := context.Background()

	v, err := log.Append(ctx, &types.ContextItem{
		TaskID: "task-1", Key: "outline", Value: "first", Predecessor: 0, WriterID: "a",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	v, err = log.Append(ctx, &types.ContextItem{
		TaskID: "task-1", Key: "outline", Value: "second", Predecessor: 1, WriterID: "b",
	})
	if err != nil || v != 2 {
		t.Fatalf("second append: version=%d err=%v", v, err)
	}

	latest, err := log.Latest(ctx, "task-1", "outline")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.Version != 2 || latest.Value != "second" || latest.WriterID != "b" {
		t.Errorf("latest wrong: %+v", latest)
	}

	first, err := log.Get(ctx, "task-1", "outline", 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first.Value != "first" || first.Predecessor != 0 {
		t.Errorf("version 1 wrong: %+v", first)
	}
}

func TestRedisLog_ConflictOnStalePredecessor(t *testing.T) {
	log := newTestRedisLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: 1, Predecessor: 0}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	_, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: 2, Predecessor: 0})
	if !types.IsCode(err, types.ErrVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}
	if !types.IsRetryable(err) {
		t.Error("conflict should be retryable")
	}
}

func TestRedisLog_ConcurrentWritersSingleWinner(t *testing.T) {
	log := newTestRedisLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: 0, Predecessor: 0}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: slot, Predecessor: 1})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !types.IsCode(err, types.ErrVersionConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRedisLog_RangeAndKeys(t *testing.T) {
	log := newTestRedisLog(t)
	ctx := context.Background()

	for i := uint64(0); i < 4; i++ {
		if _, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: i, Predecessor: i}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if _, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "other", Value: "x", Predecessor: 0}); err != nil {
		t.Fatalf("append other failed: %v", err)
	}

	items, err := log.Range(ctx, "t", "k", 2)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(items) != 2 || items[0].Version != 3 || items[1].Version != 4 {
		t.Fatalf("expected versions 3,4, got %+v", items)
	}

	keys, err := log.Keys(ctx, "t")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k" || keys[1] != "other" {
		t.Fatalf("expected sorted [k other], got %v", keys)
	}
}

func TestRedisLog_Purge(t *testing.T) {
	log := newTestRedisLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, &types.ContextItem{TaskID: "t", Key: "k", Value: 1, Predecessor: 0}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := log.Purge(ctx, "t"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if _, err := log.Latest(ctx, "t", "k"); !types.IsCode(err, types.ErrKeyNotFound) {
		t.Fatalf("expected KEY_NOT_FOUND after purge, got %v", err)
	}
	keys, err := log.Keys(ctx, "t")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys after purge, got %v err=%v", keys, err)
	}
}

func TestRedisLog_StoreIntegration(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = srv.Addr()
	log, err := NewRedisLog(cfg)
	if err != nil {
		t.Fatalf("failed to create redis log: %v", err)
	}

	store := NewStore(log, DefaultConfig(), nil)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Write(ctx, "task-1", "outline", "draft", 0, "a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	item, err := store.Read(ctx, "task-1", "outline")
	if err != nil || item.Value != "draft" || item.Version != 1 {
		t.Fatalf("read through store failed: item=%+v err=%v", item, err)
	}
}
