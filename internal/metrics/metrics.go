// Package metrics holds the Prometheus collectors shared by the rule engine
// and the access-count pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storagerules"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RuleActivations    *prometheus.CounterVec
	ActivationDuration prometheus.Histogram
	CmdletsSubmitted   prometheus.Counter
	StatementFailures  prometheus.Counter
	ActiveExecutors    prometheus.Gauge
	Aggregations       *prometheus.CounterVec
	EvictedTables      *prometheus.CounterVec
	IngestedEvents     prometheus.Counter
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RuleActivations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_activations_total",
				Help:      "Rule executor activations by outcome",
			},
			[]string{"outcome"}, // outcome=continue/terminate
		),
		ActivationDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_activation_duration_seconds",
				Help:      "Time spent in one rule activation",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CmdletsSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cmdlets_submitted_total",
				Help:      "Cmdlets accepted by the submission queue",
			},
		),
		StatementFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statement_failures_total",
				Help:      "Rule statements that failed against the metadata store",
			},
		),
		ActiveExecutors: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_rule_executors",
				Help:      "Rule executors currently scheduled",
			},
		),
		Aggregations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_count_aggregations_total",
				Help:      "Access count rollups by target granularity and result",
			},
			[]string{"granularity", "result"},
		),
		EvictedTables: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_count_evicted_tables_total",
				Help:      "Access count tables evicted per granularity",
			},
			[]string{"granularity"},
		),
		IngestedEvents: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_events_total",
				Help:      "File access events fetched for aggregation",
			},
		),
	}
}

func (m *Metrics) ObserveActivation(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.RuleActivations.WithLabelValues(outcome).Inc()
	m.ActivationDuration.Observe(took.Seconds())
}

func (m *Metrics) AddCmdlets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CmdletsSubmitted.Add(float64(n))
}

func (m *Metrics) StatementFailed() {
	if m == nil {
		return
	}
	m.StatementFailures.Inc()
}

func (m *Metrics) ExecutorStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutors.Inc()
}

func (m *Metrics) ExecutorStopped() {
	if m == nil {
		return
	}
	m.ActiveExecutors.Dec()
}

func (m *Metrics) Aggregated(granularity string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Aggregations.WithLabelValues(granularity, result).Inc()
}

func (m *Metrics) Evicted(granularity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedTables.WithLabelValues(granularity).Add(float64(n))
}

func (m *Metrics) EventsIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IngestedEvents.Add(float64(n))
}
