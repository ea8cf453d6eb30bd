package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector("collabcore", registry, nil)

	c.RecordFormation("formed", 50*time.Millisecond)
	c.RecordFormation("no_candidate", 10*time.Millisecond)
	c.RecordNegotiation("RESOLVED", 2, time.Second)
	c.RecordConflict("capability_priority")
	c.RecordConflict("capability_priority")
	c.RecordContextWrite("committed")
	c.RecordContextWrite("conflict")
	c.RecordEpisode("persisted")
	c.RecordTask("COMPLETED")
	c.SubscriptionOpened()
	c.SubscriptionOpened()
	c.SubscriptionClosed()

	if got := testutil.ToFloat64(c.teamsFormedTotal.WithLabelValues("formed")); got != 1 {
		t.Errorf("teams_formed_total{formed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.conflictsTotal.WithLabelValues("capability_priority")); got != 2 {
		t.Errorf("conflicts_total{capability_priority} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.contextWritesTotal.WithLabelValues("conflict")); got != 1 {
		t.Errorf("context_writes_total{conflict} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.subscriptionsOpen); got != 1 {
		t.Errorf("subscriptions_open = %v, want 1", got)
	}
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors on distinct registries must not collide.
	a := NewCollector("collabcore", prometheus.NewRegistry(), nil)
	b := NewCollector("collabcore", prometheus.NewRegistry(), nil)

	a.RecordTask("COMPLETED")
	if got := testutil.ToFloat64(b.tasksTotal.WithLabelValues("COMPLETED")); got != 0 {
		t.Errorf("expected isolated registries, got %v", got)
	}
}
