// Package service wires the session pool, health monitor and workflow
// engine into the operations the API façade exposes.
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the pool, the health monitor
// and the workflow engine. Pass one instance to every component.
type Metrics struct {
	PoolSize        prometheus.GaugeFunc
	PoolInUse       prometheus.GaugeFunc
	Acquires        *prometheus.CounterVec // outcome: reused|created|busy|exhausted|creation_failed
	Evictions       prometheus.Counter
	Probes          *prometheus.CounterVec // result: ok|dead|auth_expired
	Removals        *prometheus.CounterVec // cause: liveness|auth_expired|caller
	OrphansReaped   prometheus.Counter
	PhaseOutcomes   *prometheus.CounterVec // phase, outcome: advanced|missing|retried|failed|completed
	WorkflowsActive prometheus.GaugeFunc
	WorkflowsGCed   prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the registry.
// poolSize, poolInUse and workflowsActive are sampled on scrape.
func NewMetrics(reg prometheus.Registerer, poolSize, poolInUse, workflowsActive func() int) *Metrics {
	gauge := func(name, help string, fn func() int) prometheus.GaugeFunc {
		return promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "formbridge", Name: name, Help: help},
			func() float64 {
				if fn == nil {
					return 0
				}
				return float64(fn())
			},
		)
	}
	return &Metrics{
		PoolSize:  gauge("pool_sessions", "Number of live pooled sessions", poolSize),
		PoolInUse: gauge("pool_sessions_in_use", "Number of sessions currently borrowed", poolInUse),
		Acquires: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "session_acquires_total",
				Help:      "Session acquire attempts by outcome",
			},
			[]string{"outcome"},
		),
		Evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "session_evictions_total",
				Help:      "Idle sessions evicted under capacity pressure",
			},
		),
		Probes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "health_probes_total",
				Help:      "Background health probes by result",
			},
			[]string{"result"},
		),
		Removals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "session_removals_total",
				Help:      "Session teardowns by cause",
			},
			[]string{"cause"},
		),
		OrphansReaped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "orphan_handles_reaped_total",
				Help:      "Browser handles destroyed by orphan reconciliation",
			},
		),
		PhaseOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "workflow_phase_outcomes_total",
				Help:      "Workflow phase transitions by outcome",
			},
			[]string{"phase", "outcome"},
		),
		WorkflowsActive: gauge("workflows_active", "Number of stored workflow instances", workflowsActive),
		WorkflowsGCed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "formbridge",
				Name:      "workflows_gc_total",
				Help:      "Workflow instances destroyed by idle garbage collection",
			},
		),
	}
}
