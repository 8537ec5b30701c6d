package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics collection for workflow
// execution monitoring.
//
// Metrics exposed (all namespaced with "taskflow_"):
//
// 1. inflight_tasks (gauge): tasks currently executing across all groups.
//
// 2. task_latency_ms (histogram): task duration in milliseconds from
// dispatch to settle. Labels: execution_id, task_id, status
// (success/error/timeout/cancelled). Buckets cover 1ms to 10s.
//
// 3. retries_total (counter): cumulative retry attempts.
// Labels: execution_id, task_id.
//
// 4. cancellations_total (counter): cancellation requests, split by
// whether the rate limiter admitted them. Labels: execution_id, outcome
// (accepted/limited).
//
// 5. checkpoint_invalidations_total (counter): checkpoint invalidation
// sweeps on failure, cancellation, and completion. Labels: execution_id.
//
// 6. resource_timeouts_total (counter): tasks that failed waiting for an
// exclusive resource tag. Labels: execution_id, task_id.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	orc := flow.New(executor, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: the underlying Prometheus collectors handle concurrent
// updates.
type Metrics struct {
	inflightTasks prometheus.Gauge
	taskLatency   *prometheus.HistogramVec

	retries          *prometheus.CounterVec
	cancellations    *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	resourceTimeouts *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all workflow execution metrics with
// the provided Prometheus registry. A nil registry falls back to
// prometheus.DefaultRegisterer; a dedicated registry is recommended for
// isolation, especially in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.inflightTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Name:      "inflight_tasks",
		Help:      "Current number of tasks executing concurrently",
	})

	m.taskLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Name:      "task_latency_ms",
		Help:      "Task duration in milliseconds from dispatch to settle",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"execution_id", "task_id", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "retries_total",
		Help:      "Cumulative count of task retry attempts",
	}, []string{"execution_id", "task_id"})

	m.cancellations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "cancellations_total",
		Help:      "Cancellation requests split by rate limiter outcome",
	}, []string{"execution_id", "outcome"}) // outcome: accepted, limited

	m.invalidations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "checkpoint_invalidations_total",
		Help:      "Checkpoint invalidation sweeps per execution",
	}, []string{"execution_id"})

	m.resourceTimeouts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Name:      "resource_timeouts_total",
		Help:      "Tasks that failed waiting for an exclusive resource tag",
	}, []string{"execution_id", "task_id"})

	return m
}

// RecordTaskLatency records a task's duration with its settle status
// ("success", "error", "timeout", "cancelled").
func (m *Metrics) RecordTaskLatency(executionID, taskID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.taskLatency.WithLabelValues(executionID, taskID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for a task.
func (m *Metrics) IncrementRetries(executionID, taskID string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(executionID, taskID).Inc()
}

// IncrementCancellations records a cancellation request. outcome is
// "accepted" when the limiter admitted it, "limited" when it was
// rejected.
func (m *Metrics) IncrementCancellations(executionID, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.cancellations.WithLabelValues(executionID, outcome).Inc()
}

// IncrementInvalidations records a checkpoint invalidation sweep.
func (m *Metrics) IncrementInvalidations(executionID string) {
	if !m.isEnabled() {
		return
	}
	m.invalidations.WithLabelValues(executionID).Inc()
}

// IncrementResourceTimeouts records a task that timed out acquiring its
// resource tags.
func (m *Metrics) IncrementResourceTimeouts(executionID, taskID string) {
	if !m.isEnabled() {
		return
	}
	m.resourceTimeouts.WithLabelValues(executionID, taskID).Inc()
}

// UpdateInflightTasks sets the current number of executing tasks.
func (m *Metrics) UpdateInflightTasks(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightTasks.Set(float64(count))
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable().
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
