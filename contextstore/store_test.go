package contextstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/collabcore/types"
)

func newTestStore() *Store {
	return NewStore(NewMemoryLog(), DefaultConfig(), nil)
}

func TestWrite_VersionsStartAtOne(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	item, err := store.Write(ctx, "task-1", "outline", "v1 draft", 0, "agent-a")
	if err != nil {
		t.Fatalf("initial write failed: %v", err)
	}
	if item.Version != 1 || item.Predecessor != 0 {
		t.Errorf("expected version 1 predecessor 0, got %d/%d", item.Version, item.Predecessor)
	}

	item, err = store.Write(ctx, "task-1", "outline", "v2 draft", 1, "agent-b")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if item.Version != 2 {
		t.Errorf("expected version 2, got %d", item.Version)
	}
}

func TestWrite_StalePredecessorConflicts(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		if _, err := store.Write(ctx, "task-1", "outline", i, i, "agent-a"); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	_, err := store.Write(ctx, "task-1", "outline", "stale", 1, "agent-b")
	if !types.IsCode(err, types.ErrVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}
	if !types.IsRetryable(err) {
		t.Error("version conflict should be retryable")
	}
}

func TestWrite_TwoWritersOneWins(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		if _, err := store.Write(ctx, "task-1", "outline", i, i, "seed"); err != nil {
			t.Fatalf("seed write %d failed: %v", i, err)
		}
	}

	// Both writers read version 3 and submit concurrently.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, writer := range []string{"agent-x", "agent-y"} {
		wg.Add(1)
		go func(slot int, writerID string) {
			defer wg.Done()
			_, results[slot] = store.Write(ctx, "task-1", "outline", writerID+" update", 3, writerID)
		}(i, writer)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case types.IsCode(err, types.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}

	latest, err := store.Read(ctx, "task-1", "outline")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if latest.Version != 4 {
		t.Errorf("expected latest version 4, got %d", latest.Version)
	}
}

func TestRead_UnknownKey(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	_, err := store.Read(context.Background(), "task-1", "missing")
	if !types.IsCode(err, types.ErrKeyNotFound) {
		t.Fatalf("expected KEY_NOT_FOUND, got %v", err)
	}
}

func TestReadAt_HistoricalVersions(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	values := []string{"first", "second", "third"}
	for i, v := range values {
		if _, err := store.Write(ctx, "task-1", "notes", v, uint64(i), "agent-a"); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for i, want := range values {
		item, err := store.ReadAt(ctx, "task-1", "notes", uint64(i+1))
		if err != nil {
			t.Fatalf("ReadAt %d failed: %v", i+1, err)
		}
		if item.Value != want {
			t.Errorf("version %d: expected %q, got %v", i+1, want, item.Value)
		}
	}

	_, err := store.ReadAt(ctx, "task-1", "notes", 9)
	if !types.IsCode(err, types.ErrVersionNotFound) {
		t.Fatalf("expected VERSION_NOT_FOUND, got %v", err)
	}
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	for i := uint64(0); i < 2; i++ {
		if _, err := store.Write(ctx, "task-1", "outline", i, i, "agent-a"); err != nil {
			t.Fatalf("seed write failed: %v", err)
		}
	}

	sub, err := store.Subscribe(ctx, "task-1", "outline", 0)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := store.Write(ctx, "task-1", "outline", "live", 2, "agent-b"); err != nil {
		t.Fatalf("live write failed: %v", err)
	}

	var got []uint64
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case item := <-sub.Items():
			got = append(got, item.Version)
		case <-timeout:
			t.Fatalf("timed out, received versions %v", got)
		}
	}
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("expected versions 1,2,3 in order, got %v", got)
		}
	}
	if sub.Cursor() != 3 {
		t.Errorf("expected cursor 3, got %d", sub.Cursor())
	}
}

func TestSubscribe_RestartFromCursor(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	for i := uint64(0); i < 4; i++ {
		if _, err := store.Write(ctx, "task-1", "outline", i, i, "agent-a"); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	first, err := store.Subscribe(ctx, "task-1", "outline", 0)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	// Consume two versions, then drop the subscription.
	for i := 0; i < 2; i++ {
		select {
		case <-first.Items():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	cursor := first.Cursor()
	first.Close()
	if cursor != 2 {
		t.Fatalf("expected cursor 2, got %d", cursor)
	}

	second, err := store.Subscribe(ctx, "task-1", "outline", cursor)
	if err != nil {
		t.Fatalf("restart subscribe failed: %v", err)
	}
	defer second.Close()

	var got []uint64
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case item := <-second.Items():
			got = append(got, item.Version)
		case <-timeout:
			t.Fatalf("timed out, received %v", got)
		}
	}
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected resume at versions 3,4, got %v", got)
	}
}

func TestSubscribe_BeforeFirstWrite(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "task-1", "outline", 0)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := store.Write(ctx, "task-1", "outline", "first", 0, "agent-a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case item := <-sub.Items():
		if item.Version != 1 {
			t.Errorf("expected version 1, got %d", item.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first write")
	}
}

func TestCloseWrites_ReadsStillServed(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Write(ctx, "task-1", "outline", "final", 0, "agent-a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	store.CloseWrites("task-1")

	_, err := store.Write(ctx, "task-1", "outline", "late", 1, "agent-b")
	if !types.IsCode(err, types.ErrStoreClosed) {
		t.Fatalf("expected STORE_CLOSED, got %v", err)
	}

	item, err := store.Read(ctx, "task-1", "outline")
	if err != nil || item.Value != "final" {
		t.Fatalf("read after write-close failed: item=%v err=%v", item, err)
	}

	// Other tasks keep writing.
	if _, err := store.Write(ctx, "task-2", "outline", "other", 0, "agent-c"); err != nil {
		t.Fatalf("write to other task failed: %v", err)
	}
}

func TestSnapshot_LatestPerKey(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	writes := []struct {
		key  string
		pred uint64
		val  string
	}{
		{"outline", 0, "o1"},
		{"outline", 1, "o2"},
		{"summary", 0, "s1"},
	}
	for _, w := range writes {
		if _, err := store.Write(ctx, "task-1", w.key, w.val, w.pred, "agent-a"); err != nil {
			t.Fatalf("write %s failed: %v", w.key, err)
		}
	}

	snapshot, err := store.Snapshot(ctx, "task-1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(snapshot))
	}
	if snapshot["outline"].Value != "o2" || snapshot["outline"].Version != 2 {
		t.Errorf("outline snapshot wrong: %+v", snapshot["outline"])
	}
	if snapshot["summary"].Value != "s1" {
		t.Errorf("summary snapshot wrong: %+v", snapshot["summary"])
	}
}

func TestPurge_DropsChainsAndSubscriptions(t *testing.T) {
	store := newTestStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Write(ctx, "task-1", "outline", "x", 0, "agent-a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	sub, err := store.Subscribe(ctx, "task-1", "outline", 1)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := store.Purge(ctx, "task-1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	select {
	case _, open := <-sub.Items():
		if open {
			t.Error("expected subscription channel closed after purge")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after purge")
	}

	if _, err := store.Read(ctx, "task-1", "outline"); !types.IsCode(err, types.ErrKeyNotFound) {
		t.Fatalf("expected KEY_NOT_FOUND after purge, got %v", err)
	}
}

func TestClose_RejectsEverything(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.Write(ctx, "task-1", "outline", "x", 0, "agent-a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := store.Write(ctx, "task-1", "outline", "y", 1, "agent-a"); !types.IsCode(err, types.ErrStoreClosed) {
		t.Fatalf("expected STORE_CLOSED on write, got %v", err)
	}
	if _, err := store.Subscribe(ctx, "task-1", "outline", 0); !types.IsCode(err, types.ErrStoreClosed) {
		t.Fatalf("expected STORE_CLOSED on subscribe, got %v", err)
	}
}
