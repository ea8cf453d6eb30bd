package registry

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/types"
)

func testProfile(id string, caps map[types.CapabilityKind]float64, load float64) *types.AgentProfile {
	return &types.AgentProfile{
		ID:           id,
		Capabilities: caps,
		Load:         load,
		Availability: types.AvailabilityFree,
	}
}

func TestAgentRegistry_Register(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	profile := testProfile("agent-a", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9}, 0)
	if err := reg.Register(ctx, profile); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}

	got, err := reg.Get(ctx, "agent-a")
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if got.Availability != types.AvailabilityFree {
		t.Errorf("expected FREE availability, got %s", got.Availability)
	}
	if got.RegisteredAt.IsZero() || got.LastHeartbeat.IsZero() {
		t.Error("expected registration timestamps to be set")
	}

	// Duplicate registration must fail.
	if err := reg.Register(ctx, profile); !types.IsCode(err, types.ErrDuplicateAgent) {
		t.Errorf("expected DUPLICATE_AGENT, got %v", err)
	}

	// Invalid schema must be rejected.
	bad := testProfile("agent-b", map[types.CapabilityKind]float64{"juggling": 0.5}, 0)
	if err := reg.Register(ctx, bad); !types.IsCode(err, types.ErrInvalidInput) {
		t.Errorf("expected INVALID_INPUT for unknown capability, got %v", err)
	}
}

func TestAgentRegistry_GetReturnsCopy(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	if err := reg.Register(ctx, testProfile("agent-a", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9}, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, _ := reg.Get(ctx, "agent-a")
	got.Capabilities[types.CapabilityResearch] = 0.1
	got.Load = 99

	again, _ := reg.Get(ctx, "agent-a")
	if again.Capabilities[types.CapabilityResearch] != 0.9 || again.Load != 0 {
		t.Error("Get must return a copy, not the stored profile")
	}
}

func TestAgentRegistry_CompareAndSwapAvailability(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	if err := reg.Register(ctx, testProfile("agent-a", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9}, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}

	swapped, err := reg.CompareAndSwapAvailability(ctx, "agent-a", types.AvailabilityFree, types.AvailabilityReserved)
	if err != nil || !swapped {
		t.Fatalf("expected swap to succeed, swapped=%v err=%v", swapped, err)
	}

	// A second swap from FREE must lose.
	swapped, err = reg.CompareAndSwapAvailability(ctx, "agent-a", types.AvailabilityFree, types.AvailabilityReserved)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swapped {
		t.Error("swap from stale expected state must lose")
	}

	got, _ := reg.Get(ctx, "agent-a")
	if got.Availability != types.AvailabilityReserved {
		t.Errorf("expected RESERVED, got %s", got.Availability)
	}
}

func TestAgentRegistry_CASNoDoubleBooking(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	if err := reg.Register(ctx, testProfile("agent-a", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9}, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}

	const contenders = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			swapped, err := reg.CompareAndSwapAvailability(ctx, "agent-a", types.AvailabilityFree, types.AvailabilityBusy)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if swapped {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("expected exactly one winner, got %d", won)
	}
}

func TestAgentRegistry_Events(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	unsubscribe := reg.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	if err := reg.Register(ctx, testProfile("agent-a", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9}, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.UpdateAvailability(ctx, "agent-a", types.AvailabilityOffline); err != nil {
		t.Fatalf("update availability: %v", err)
	}

	mu.Lock()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventAgentRegistered {
		t.Errorf("expected agent_registered first, got %s", events[0].Type)
	}
	if events[1].Type != EventAvailabilityChanged || events[1].Availability != types.AvailabilityOffline {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	mu.Unlock()

	unsubscribe()
	if err := reg.Unregister(ctx, "agent-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Errorf("unsubscribed handler still received events: %d", len(events))
	}
}

func TestAgentRegistry_ListOrdered(t *testing.T) {
	reg := NewAgentRegistry(zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := reg.Register(ctx, testProfile(id, map[types.CapabilityKind]float64{types.CapabilityResearch: 0.5}, 0)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	profiles, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, w := range want {
		if profiles[i].ID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, profiles[i].ID)
		}
	}
}
