package registry

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/collabcore/types"
)

func matcherFixture(t *testing.T) (*AgentRegistry, *CapabilityMatcher) {
	t.Helper()
	reg := NewAgentRegistry(zap.NewNop())
	cfg := DefaultMatcherConfig()
	cfg.RecencyHalfLife = 0 // no decay: scores are pure proficiencies
	return reg, NewCapabilityMatcher(reg, cfg, zap.NewNop())
}

func register(t *testing.T, reg *AgentRegistry, id string, caps map[types.CapabilityKind]float64, load float64) {
	t.Helper()
	if err := reg.Register(context.Background(), testProfile(id, caps, load)); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

// The worked example: A(research:0.9, writing:0.3, load:1),
// B(research:0.5, writing:0.8, load:0), C(research:0.8, writing:0.7, load:2)
// against {research>=0.7, writing>=0.6, team size [2,2]} yields
// {A research, C writing}.
func TestProposeTeam_WorkedExample(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	register(t, reg, "A", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9, types.CapabilityWriting: 0.3}, 1)
	register(t, reg, "B", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.5, types.CapabilityWriting: 0.8}, 0)
	register(t, reg, "C", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.8, types.CapabilityWriting: 0.7}, 2)

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{
			{Kind: types.CapabilityResearch, MinProficiency: 0.7},
			{Kind: types.CapabilityWriting, MinProficiency: 0.6},
		},
		MinTeamSize: 2,
		MaxTeamSize: 2,
	}

	members, err := matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("propose team: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].AgentID != "A" || members[0].Role != types.CapabilityResearch {
		t.Errorf("expected A on research, got %s on %s", members[0].AgentID, members[0].Role)
	}
	if members[1].AgentID != "C" || members[1].Role != types.CapabilityWriting {
		t.Errorf("expected C on writing, got %s on %s", members[1].AgentID, members[1].Role)
	}
}

func TestFindCandidates_Deterministic(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	register(t, reg, "A", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.9, types.CapabilityWriting: 0.3}, 1)
	register(t, reg, "B", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.5, types.CapabilityWriting: 0.8}, 0)
	register(t, reg, "C", map[types.CapabilityKind]float64{types.CapabilityResearch: 0.8, types.CapabilityWriting: 0.7}, 2)

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{
			{Kind: types.CapabilityResearch, MinProficiency: 0.7},
			{Kind: types.CapabilityWriting, MinProficiency: 0.6},
		},
		MinTeamSize: 2,
		MaxTeamSize: 2,
	}

	first, err := matcher.FindCandidates(ctx, req)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	firstIDs := candidateIDs(first)
	if !reflect.DeepEqual(firstIDs, []string{"C", "A", "B"}) {
		t.Fatalf("unexpected ranking: %v", firstIDs)
	}

	for i := 0; i < 10; i++ {
		again, err := matcher.FindCandidates(ctx, req)
		if err != nil {
			t.Fatalf("find candidates: %v", err)
		}
		if !reflect.DeepEqual(candidateIDs(again), firstIDs) {
			t.Fatalf("run %d: ranking changed: %v", i, candidateIDs(again))
		}
	}
}

func TestFindCandidates_TieBreaks(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	// Identical scores: lower load wins, then lexicographic id.
	register(t, reg, "delta", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.8}, 2)
	register(t, reg, "bravo", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.8}, 1)
	register(t, reg, "alpha", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.8}, 1)

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{{Kind: types.CapabilityCoding, MinProficiency: 0.5}},
		MinTeamSize:  1,
	}

	candidates, err := matcher.FindCandidates(ctx, req)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	got := candidateIDs(candidates)
	want := []string{"alpha", "bravo", "delta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFindCandidates_ExcludesUnavailable(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	register(t, reg, "free", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.9}, 0)
	register(t, reg, "busy", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.9}, 0)
	register(t, reg, "offline", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.9}, 0)

	if err := reg.UpdateAvailability(ctx, "busy", types.AvailabilityBusy); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateAvailability(ctx, "offline", types.AvailabilityOffline); err != nil {
		t.Fatalf("update: %v", err)
	}

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{{Kind: types.CapabilityCoding, MinProficiency: 0.5}},
		MinTeamSize:  1,
	}

	candidates, err := matcher.FindCandidates(ctx, req)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if ids := candidateIDs(candidates); !reflect.DeepEqual(ids, []string{"free"}) {
		t.Errorf("expected only the free agent, got %v", ids)
	}
}

func TestProposeTeam_NoCandidatesIsEmptyNotError(t *testing.T) {
	_, matcher := matcherFixture(t)
	ctx := context.Background()

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{{Kind: types.CapabilityCoding, MinProficiency: 0.5}},
		MinTeamSize:  1,
	}

	members, err := matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("empty registry must not be an error: %v", err)
	}
	if members != nil {
		t.Errorf("expected nil members, got %v", members)
	}
}

func TestProposeTeam_SoftCapabilityBreaksTies(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	// Equal on the hard tag; the preferred review capability decides.
	register(t, reg, "plain", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.8}, 0)
	register(t, reg, "reviewer", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.8, types.CapabilityReview: 0.9}, 0)

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{
			{Kind: types.CapabilityCoding, MinProficiency: 0.5},
			{Kind: types.CapabilityReview, Soft: true},
		},
		MinTeamSize: 1,
		MaxTeamSize: 1,
	}

	members, err := matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("propose team: %v", err)
	}
	if len(members) != 1 || members[0].AgentID != "reviewer" {
		t.Errorf("expected reviewer to win via soft capability, got %v", members)
	}
}

func TestProposeTeam_TeamSizeRange(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	register(t, reg, "solo", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.9}, 0)

	// One eligible agent cannot satisfy a minimum team size of 2.
	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{{Kind: types.CapabilityCoding, MinProficiency: 0.5}},
		MinTeamSize:  2,
		MaxTeamSize:  3,
	}
	members, err := matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("propose team: %v", err)
	}
	if members != nil {
		t.Errorf("expected no team below minimum size, got %v", members)
	}

	// More roles than the maximum team size is unsatisfiable.
	req = &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{
			{Kind: types.CapabilityCoding, MinProficiency: 0.1},
			{Kind: types.CapabilityReview, MinProficiency: 0.1},
		},
		MinTeamSize: 1,
		MaxTeamSize: 1,
	}
	members, err = matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("propose team: %v", err)
	}
	if members != nil {
		t.Errorf("expected no team when roles exceed max size, got %v", members)
	}
}

func TestProposeTeam_TopUpToMinSize(t *testing.T) {
	reg, matcher := matcherFixture(t)
	ctx := context.Background()

	register(t, reg, "lead", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.9}, 0)
	register(t, reg, "backup", map[types.CapabilityKind]float64{types.CapabilityCoding: 0.7}, 0)

	req := &types.TaskRequirement{
		Capabilities: []types.CapabilityRequirement{{Kind: types.CapabilityCoding, MinProficiency: 0.5}},
		MinTeamSize:  2,
		MaxTeamSize:  2,
	}

	members, err := matcher.ProposeTeam(ctx, req)
	if err != nil {
		t.Fatalf("propose team: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected team of 2, got %d", len(members))
	}
	if members[0].AgentID != "lead" || members[1].AgentID != "backup" {
		t.Errorf("unexpected members: %v", members)
	}
}

func candidateIDs(candidates []*Candidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Profile.ID
	}
	return ids
}
