package executor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the daemon's run-level Prometheus metrics, served on
// /metrics alongside the per-package OpenTelemetry instruments.
type Metrics struct {
	RunsStarted    prometheus.Counter
	RunsFinished   *prometheus.CounterVec
	ActiveRuns     prometheus.Gauge
	GateDecisions  *prometheus.CounterVec
	BuildsTotal    prometheus.Counter
	IterationsUsed prometheus.Histogram
}

// NewMetrics creates and registers the run metrics. Registration happens
// once per process; later calls return the same set.
//
// Metrics:
//   - conductd_runs_started_total - runs started or resumed
//   - conductd_runs_finished_total{status} - runs reaching a terminal status
//   - conductd_active_runs - executor goroutines currently live
//   - conductd_gate_decisions_total{decision} - gate decisions routed
//   - conductd_builds_total - BUILD attempts spawned
//   - conductd_phase_iterations - iterations consumed per finished phase
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "conductd_runs_started_total",
				Help: "Total number of runs started or resumed",
			}),
			RunsFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductd_runs_finished_total",
					Help: "Total number of runs that reached a terminal status",
				},
				[]string{"status"},
			),
			ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "conductd_active_runs",
				Help: "Number of executor goroutines currently live",
			}),
			GateDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductd_gate_decisions_total",
					Help: "Total number of gate decisions routed to executors",
				},
				[]string{"decision"},
			),
			BuildsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "conductd_builds_total",
				Help: "Total number of BUILD attempts spawned across runs",
			}),
			IterationsUsed: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "conductd_phase_iterations",
				Help:    "Iterations consumed per finished phase",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
			}),
		}
	})
	return globalMetrics
}
