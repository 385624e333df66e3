// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors recorded by the decision service.
type Metrics struct {
	SimulationsTotal    *prometheus.CounterVec
	PipelineDuration    *prometheus.HistogramVec
	IdempotencyReplays  prometheus.Counter
	IdempotencyConflict prometheus.Counter
	AsyncOperations     *prometheus.CounterVec
	WorkflowDecisions   *prometheus.CounterVec
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SimulationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpm",
			Name:      "simulations_total",
			Help:      "Completed pipeline runs by pipeline and run status.",
		}, []string{"pipeline", "status"}),
		PipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dpm",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock pipeline execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		IdempotencyReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dpm",
			Name:      "idempotency_replays_total",
			Help:      "Requests answered from a stored idempotent result.",
		}),
		IdempotencyConflict: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dpm",
			Name:      "idempotency_conflicts_total",
			Help:      "Requests rejected because the key was reused with a different payload.",
		}),
		AsyncOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpm",
			Name:      "async_operations_total",
			Help:      "Async operations reaching a terminal state.",
		}, []string{"status"}),
		WorkflowDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpm",
			Name:      "workflow_decisions_total",
			Help:      "Workflow decisions recorded by action.",
		}, []string{"action"}),
	}
}

// ObservePipeline records one completed pipeline execution.
func (m *Metrics) ObservePipeline(pipeline, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SimulationsTotal.WithLabelValues(pipeline, status).Inc()
	m.PipelineDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

// ObserveReplay records an idempotent replay.
func (m *Metrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplays.Inc()
}

// ObserveConflict records an idempotency key conflict.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.IdempotencyConflict.Inc()
}

// ObserveAsyncTerminal records an async operation reaching a terminal state.
func (m *Metrics) ObserveAsyncTerminal(status string) {
	if m == nil {
		return
	}
	m.AsyncOperations.WithLabelValues(status).Inc()
}

// ObserveWorkflowDecision records one reviewer decision.
func (m *Metrics) ObserveWorkflowDecision(action string) {
	if m == nil {
		return
	}
	m.WorkflowDecisions.WithLabelValues(action).Inc()
}
