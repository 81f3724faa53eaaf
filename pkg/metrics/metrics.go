// Package metrics exposes Prometheus counters for download runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harmony_dl"

// Pipeline holds the collectors updated by the fetcher and the projection
// pipeline. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	PlanesFetched      prometheus.Counter
	BytesFetched       prometheus.Counter
	FetchRetries       prometheus.Counter
	FetchDuration      prometheus.Histogram
	FilesWritten       *prometheus.CounterVec
	UnitFailures       *prometheus.CounterVec
	ProgressSendErrors prometheus.Counter
	ActiveRuns         prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Pipeline {
	m := &Pipeline{
		registry: prometheus.NewRegistry(),

		PlanesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "planes_total",
			Help:      "Total number of image planes retrieved",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Total number of encoded image bytes retrieved",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Total number of retried plane requests",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Plane retrieval duration in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		}),
		FilesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "files_total",
			Help:      "Total number of output files written",
		}, []string{"action"}),
		UnitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "unit_failures_total",
			Help:      "Total number of failed work units by error kind",
		}, []string{"kind"}),
		ProgressSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "progress_send_errors_total",
			Help:      "Total number of progress events that could not be delivered",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Number of download runs in progress",
		}),
	}

	m.registry.MustRegister(
		m.PlanesFetched,
		m.BytesFetched,
		m.FetchRetries,
		m.FetchDuration,
		m.FilesWritten,
		m.UnitFailures,
		m.ProgressSendErrors,
		m.ActiveRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Pipeline) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one successful retrieval.
func (m *Pipeline) ObserveFetch(bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PlanesFetched.Inc()
	m.BytesFetched.Add(float64(bytes))
	m.FetchDuration.Observe(elapsed.Seconds())
}

// ObserveRetry records one retried request.
func (m *Pipeline) ObserveRetry() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}

// ObserveFile records one written output file.
func (m *Pipeline) ObserveFile(action string) {
	if m == nil {
		return
	}
	m.FilesWritten.WithLabelValues(action).Inc()
}

// ObserveFailure records a failed work unit.
func (m *Pipeline) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.UnitFailures.WithLabelValues(kind).Inc()
}

// ObserveProgressError records an undelivered progress event.
func (m *Pipeline) ObserveProgressError() {
	if m == nil {
		return
	}
	m.ProgressSendErrors.Inc()
}

// RunStarted counts a download run as active.
func (m *Pipeline) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished marks the end of a run started with RunStarted.
func (m *Pipeline) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}
