package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes Prometheus-compatible counters, gauges, and
// histograms for the superstep engine, namespaced "hive_":
//
//  1. frontier_size (gauge): tasks in the current frontier. Labels: run_id.
//  2. steps_total (counter): committed supersteps. Labels: run_id.
//  3. task_latency_ms (histogram): per-task execution duration, across all
//     attempts. Labels: run_id, node_id, status (success/failed).
//  4. retries_total (counter): retry attempts beyond the first. Labels:
//     run_id, node_id.
//  5. dropped_events_total (counter): droppable stream events discarded by
//     the event ring buffer. Labels: run_id, kind (token/debug).
//  6. checkpoint_save_latency_ms (histogram): Store.Save duration. Labels:
//     run_id.
//
// Thread-safe: every method may be called concurrently from the compute
// phase's worker goroutines.
type PrometheusMetrics struct {
	frontierSize    *prometheus.GaugeVec
	steps           *prometheus.CounterVec
	taskLatency     *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	droppedEvents   *prometheus.CounterVec
	checkpointSave  *prometheus.HistogramVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers all engine metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.frontierSize = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hive",
		Name:      "frontier_size",
		Help:      "Number of tasks in the current superstep's frontier",
	}, []string{"run_id"})

	pm.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "steps_total",
		Help:      "Committed supersteps",
	}, []string{"run_id"})

	pm.taskLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hive",
		Name:      "task_latency_ms",
		Help:      "Per-task execution duration across all attempts, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"run_id", "node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "retries_total",
		Help:      "Task retry attempts beyond the first",
	}, []string{"run_id", "node_id"})

	pm.droppedEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "dropped_events_total",
		Help:      "Droppable stream events discarded by the event ring buffer",
	}, []string{"run_id", "kind"})

	pm.checkpointSave = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hive",
		Name:      "checkpoint_save_latency_ms",
		Help:      "CheckpointStore.Save duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"run_id"})

	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// SetFrontierSize records the size of the frontier about to be dispatched.
func (pm *PrometheusMetrics) SetFrontierSize(runID string, n int) {
	if !pm.isEnabled() {
		return
	}
	pm.frontierSize.WithLabelValues(runID).Set(float64(n))
}

// IncrementSteps records one committed superstep.
func (pm *PrometheusMetrics) IncrementSteps(runID string) {
	if !pm.isEnabled() {
		return
	}
	pm.steps.WithLabelValues(runID).Inc()
}

// RecordTaskLatency records one task's total execution time (summed across
// retried attempts) and its terminal status.
func (pm *PrometheusMetrics) RecordTaskLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.taskLatency.WithLabelValues(runID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries records one retried attempt (i.e. not the first) for a node.
func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(runID, nodeID).Inc()
}

// AddDroppedEvents records droppable events discarded during a step, as
// reported by a streamBackpressure event.
func (pm *PrometheusMetrics) AddDroppedEvents(runID string, tokens, debug int) {
	if !pm.isEnabled() {
		return
	}
	if tokens > 0 {
		pm.droppedEvents.WithLabelValues(runID, "token").Add(float64(tokens))
	}
	if debug > 0 {
		pm.droppedEvents.WithLabelValues(runID, "debug").Add(float64(debug))
	}
}

// RecordCheckpointSaveLatency records one CheckpointStore.Save call's duration.
func (pm *PrometheusMetrics) RecordCheckpointSaveLatency(runID string, latency time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.checkpointSave.WithLabelValues(runID).Observe(float64(latency.Milliseconds()))
}

// Disable stops recording without unregistering collectors (useful for tests).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
