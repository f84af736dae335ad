// Package metrics exposes Prometheus instrumentation for the workflow
// actor, supervisor, and DLQ. Grounded on the teacher's graph/metrics.go
// (PrometheusMetrics struct, promauto factory, namespaced metric names),
// retargeted from per-node LLM-graph metrics to BEAMFlow's actor/
// retry/compensation/DLQ metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible instrumentation for a running
// BEAMFlow engine. All metrics are namespaced "beamflow_".
type Metrics struct {
	inflightActors prometheus.Gauge
	registrySize   prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries       *prometheus.CounterVec
	compensations *prometheus.CounterVec
	dlqEnqueues   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
}

// New creates and registers every BEAMFlow metric against registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		inflightActors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "inflight_actors",
			Help:      "Current number of live workflow actors",
		}),
		registrySize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "registry_size",
			Help:      "Number of workflow_id entries tracked by the supervisor registry",
		}),
		stepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beamflow",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"step_id", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Name:      "retries_total",
			Help:      "Cumulative retry attempts scheduled by the retry decider",
		}, []string{"step_id", "error_class"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Name:      "compensations_total",
			Help:      "Compensation invocations during the saga failure path",
		}, []string{"step_id", "outcome"}), // outcome: completed, failed, critical_failed
		dlqEnqueues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Name:      "dlq_enqueued_total",
			Help:      "Dead letter entries enqueued, by type and error class",
		}, []string{"type", "error_class"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Name:      "actor_restarts_total",
			Help:      "Supervisor-initiated actor restarts after an abnormal exit",
		}, []string{"workflow_id"}),
	}
}

// RecordStepLatency observes a step execution's duration.
func (m *Metrics) RecordStepLatency(stepID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(stepID, status).Observe(float64(d.Milliseconds()))
}

// IncRetry increments the retry counter for a step/class pair.
func (m *Metrics) IncRetry(stepID, errorClass string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stepID, errorClass).Inc()
}

// IncCompensation increments the compensation counter for a step/outcome
// pair.
func (m *Metrics) IncCompensation(stepID, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(stepID, outcome).Inc()
}

// IncDLQEnqueue increments the DLQ enqueue counter for a type/class pair.
func (m *Metrics) IncDLQEnqueue(entryType, errorClass string) {
	if m == nil {
		return
	}
	m.dlqEnqueues.WithLabelValues(entryType, errorClass).Inc()
}

// IncRestart increments the per-workflow restart counter.
func (m *Metrics) IncRestart(workflowID string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(workflowID).Inc()
}

// SetInflightActors sets the current live-actor gauge.
func (m *Metrics) SetInflightActors(n int) {
	if m == nil {
		return
	}
	m.inflightActors.Set(float64(n))
}

// SetRegistrySize sets the current registry-size gauge.
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}
