// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records collaboration metrics.
type Collector struct {
	// Formation
	teamsFormedTotal  *prometheus.CounterVec
	formationDuration prometheus.Histogram
	memberSwapsTotal  *prometheus.CounterVec

	// Negotiation
	negotiationsTotal   *prometheus.CounterVec
	negotiationRounds   prometheus.Histogram
	conflictsTotal      *prometheus.CounterVec
	negotiationDuration prometheus.Histogram

	// Context store
	contextWritesTotal *prometheus.CounterVec
	subscriptionsOpen  prometheus.Gauge

	// Learning
	episodesTotal *prometheus.CounterVec

	// Tasks
	tasksTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered on the given
// registerer. Tests pass a fresh registry to avoid collisions.
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.teamsFormedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teams_formed_total",
			Help:      "Total number of team formation attempts",
		},
		[]string{"result"}, // formed, no_candidate, error
	)

	c.formationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "formation_duration_seconds",
			Help:      "Team formation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.memberSwapsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_swaps_total",
			Help:      "Total number of member replacement attempts",
		},
		[]string{"result"}, // replaced, degraded
	)

	c.negotiationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Total number of negotiations by terminal status",
		},
		[]string{"status"},
	)

	c.negotiationRounds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_rounds",
			Help:      "Rounds per negotiation",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	c.conflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_conflicts_total",
			Help:      "Total number of resolved claim conflicts by rule",
		},
		[]string{"rule"},
	)

	c.negotiationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Negotiation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
	)

	c.contextWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_writes_total",
			Help:      "Total number of context write attempts",
		},
		[]string{"result"}, // committed, conflict, rejected
	)

	c.subscriptionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_subscriptions_open",
			Help:      "Number of open context subscriptions",
		},
	)

	c.episodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Total number of episode records by outcome",
		},
		[]string{"result"}, // persisted, duplicate, dropped, failed
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordFormation records one formation attempt.
func (c *Collector) RecordFormation(result string, duration time.Duration) {
	c.teamsFormedTotal.WithLabelValues(result).Inc()
	c.formationDuration.Observe(duration.Seconds())
}

// RecordMemberSwap records one member replacement attempt.
func (c *Collector) RecordMemberSwap(result string) {
	c.memberSwapsTotal.WithLabelValues(result).Inc()
}

// RecordNegotiation records one completed negotiation.
func (c *Collector) RecordNegotiation(status string, rounds int, duration time.Duration) {
	c.negotiationsTotal.WithLabelValues(status).Inc()
	c.negotiationRounds.Observe(float64(rounds))
	c.negotiationDuration.Observe(duration.Seconds())
}

// RecordConflict records one resolved claim conflict.
func (c *Collector) RecordConflict(rule string) {
	c.conflictsTotal.WithLabelValues(rule).Inc()
}

// RecordContextWrite records one context write attempt.
func (c *Collector) RecordContextWrite(result string) {
	c.contextWritesTotal.WithLabelValues(result).Inc()
}

// SubscriptionOpened and SubscriptionClosed track the open-cursor gauge.
func (c *Collector) SubscriptionOpened() {
	c.subscriptionsOpen.Inc()
}

func (c *Collector) SubscriptionClosed() {
	c.subscriptionsOpen.Dec()
}

// RecordEpisode records one episode outcome.
func (c *Collector) RecordEpisode(result string) {
	c.episodesTotal.WithLabelValues(result).Inc()
}

// RecordTask records one task reaching a terminal status.
func (c *Collector) RecordTask(status string) {
	c.tasksTotal.WithLabelValues(status).Inc()
}
