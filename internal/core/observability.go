package core

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder aggregates processor activity counters. The engine
// records how many hierarchy nodes each plan selected or skipped, how
// many were reprocessed due to stale provenance, and run durations.
type MetricsRecorder interface {
	RecordPlan(pipeline string, planned, skipped int)
	RecordStale(pipeline string, nodes int)
	RecordRun(pipeline string, d time.Duration, status string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

// RecordPlan implements MetricsRecorder.
func (NopMetrics) RecordPlan(string, int, int) {}

// RecordStale implements MetricsRecorder.
func (NopMetrics) RecordStale(string, int) {}

// RecordRun implements MetricsRecorder.
func (NopMetrics) RecordRun(string, time.Duration, string) {}

var expvarSeq uint64

// ExpvarMetrics publishes aggregate counters via expvar for deployments
// that prefer process-local metrics without external dependencies.
type ExpvarMetrics struct {
	name string
	mu   sync.Mutex
	data ExpvarSnapshot
}

// ExpvarSnapshot is a read-only view of the recorded metrics.
type ExpvarSnapshot struct {
	PlannedNodes map[string]int64   `json:"planned_nodes_total"`
	SkippedNodes map[string]int64   `json:"skipped_nodes_total"`
	StaleNodes   map[string]int64   `json:"stale_nodes_total"`
	RunSeconds   map[string]float64 `json:"run_seconds_total"`
	Runs         map[string]int64   `json:"runs_total"`
}

// NewExpvarMetrics constructs an expvar-backed recorder published under
// name. An empty name generates a unique identifier.
func NewExpvarMetrics(name string) *ExpvarMetrics {
	if name == "" {
		name = fmt.Sprintf("processor_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	m := &ExpvarMetrics{name: name, data: ExpvarSnapshot{
		PlannedNodes: map[string]int64{},
		SkippedNodes: map[string]int64{},
		StaleNodes:   map[string]int64{},
		RunSeconds:   map[string]float64{},
		Runs:         map[string]int64{},
	}}
	expvar.Publish(name, expvar.Func(func() any { return m.Snapshot() }))
	return m
}

// Name returns the expvar export name.
func (m *ExpvarMetrics) Name() string { return m.name }

// Snapshot returns a copy of the aggregated counters.
func (m *ExpvarMetrics) Snapshot() ExpvarSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ExpvarSnapshot{
		PlannedNodes: map[string]int64{},
		SkippedNodes: map[string]int64{},
		StaleNodes:   map[string]int64{},
		RunSeconds:   map[string]float64{},
		Runs:         map[string]int64{},
	}
	for k, v := range m.data.PlannedNodes {
		out.PlannedNodes[k] = v
	}
	for k, v := range m.data.SkippedNodes {
		out.SkippedNodes[k] = v
	}
	for k, v := range m.data.StaleNodes {
		out.StaleNodes[k] = v
	}
	for k, v := range m.data.RunSeconds {
		out.RunSeconds[k] = v
	}
	for k, v := range m.data.Runs {
		out.Runs[k] = v
	}
	return out
}

// RecordPlan implements MetricsRecorder.
func (m *ExpvarMetrics) RecordPlan(pipeline string, planned, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.PlannedNodes[pipeline] += int64(planned)
	m.data.SkippedNodes[pipeline] += int64(skipped)
}

// RecordStale implements MetricsRecorder.
func (m *ExpvarMetrics) RecordStale(pipeline string, nodes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.StaleNodes[pipeline] += int64(nodes)
}

// RecordRun implements MetricsRecorder.
func (m *ExpvarMetrics) RecordRun(pipeline string, d time.Duration, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.RunSeconds[pipeline] += d.Seconds()
	m.data.Runs[pipeline+"|"+status]++
}

// PrometheusMetrics exports processor counters through a Prometheus
// registerer.
type PrometheusMetrics struct {
	planned *prometheus.CounterVec
	skipped *prometheus.CounterVec
	stale   *prometheus.CounterVec
	runs    *prometheus.CounterVec
	seconds *prometheus.HistogramVec
}

// NewPrometheusMetrics constructs and registers the processor metric
// vectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		planned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studycore_planned_nodes_total",
			Help: "Hierarchy nodes selected for processing per pipeline.",
		}, []string{"pipeline"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studycore_skipped_nodes_total",
			Help: "Hierarchy nodes skipped because outputs were current.",
		}, []string{"pipeline"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studycore_stale_nodes_total",
			Help: "Hierarchy nodes reprocessed due to provenance mismatch.",
		}, []string{"pipeline"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studycore_runs_total",
			Help: "Pipeline run outcomes.",
		}, []string{"pipeline", "status"}),
		seconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studycore_run_duration_seconds",
			Help:    "Pipeline run durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
	}
	for _, c := range []prometheus.Collector{m.planned, m.skipped, m.stale, m.runs, m.seconds} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register processor metrics: %w", err)
		}
	}
	return m, nil
}

// RecordPlan implements MetricsRecorder.
func (m *PrometheusMetrics) RecordPlan(pipeline string, planned, skipped int) {
	m.planned.WithLabelValues(pipeline).Add(float64(planned))
	m.skipped.WithLabelValues(pipeline).Add(float64(skipped))
}

// RecordStale implements MetricsRecorder.
func (m *PrometheusMetrics) RecordStale(pipeline string, nodes int) {
	m.stale.WithLabelValues(pipeline).Add(float64(nodes))
}

// RecordRun implements MetricsRecorder.
func (m *PrometheusMetrics) RecordRun(pipeline string, d time.Duration, status string) {
	m.runs.WithLabelValues(pipeline, status).Inc()
	m.seconds.WithLabelValues(pipeline).Observe(d.Seconds())
}
