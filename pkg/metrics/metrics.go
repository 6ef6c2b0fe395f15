// Package metrics registers the Prometheus collectors the scan
// orchestration engine exposes over /metrics, plus a small Timer helper
// for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan orchestrator metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_scans_total",
			Help: "Total number of scans by terminal status",
		},
		[]string{"status"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanorc_scan_duration_seconds",
			Help:    "Wall-clock duration of a scan from request to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600},
		},
	)

	AssetsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanorc_assets_in_flight",
			Help: "Number of asset pipelines currently running across all scans",
		},
	)

	// Pipeline / module job metrics
	ModuleJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_module_jobs_total",
			Help: "Total number of module jobs by module and terminal status",
		},
		[]string{"module", "status"},
	)

	ModuleJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanorc_module_job_duration_seconds",
			Help:    "Time from launch to terminal status for a module job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	PipelinePolls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanorc_pipeline_polls",
			Help:    "Number of Job Store polls a pipeline performed before reaching a terminal aggregate",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 360},
		},
	)

	WorkerExitedWithoutTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_worker_exited_without_terminal_total",
			Help: "Count of health-check observations of a stopped task whose job row was still non-terminal",
		},
		[]string{"module"},
	)

	// Launcher metrics
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_launches_total",
			Help: "Total number of worker launch attempts by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	LaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanorc_launch_duration_seconds",
			Help:    "Time to launch a worker container",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	// Stream bus metrics
	StreamPendingCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanorc_stream_pending_count",
			Help: "Advisory pending-entry count for a stream/group pair, as last observed",
		},
		[]string{"module"},
	)

	// Job store metrics
	JobStoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_jobstore_retries_total",
			Help: "Total number of failed Job Store attempts inside the bounded retry wrapper",
		},
		[]string{"operation"},
	)

	// Leader election
	CoordinationLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanorc_coordination_is_leader",
			Help: "Whether this process currently holds the singleton-duty leadership (1 = leader, 0 = follower)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScanDuration,
		AssetsInFlight,
		ModuleJobsTotal,
		ModuleJobDuration,
		PipelinePolls,
		WorkerExitedWithoutTerminal,
		LaunchesTotal,
		LaunchDuration,
		StreamPendingCount,
		JobStoreRetries,
		CoordinationLeader,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
