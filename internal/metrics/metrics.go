// Package metrics defines the daemon's Prometheus collectors, grounded on
// the pack's warren-style package-level collector-vars-plus-init-registration
// idiom (see pkg/metrics/metrics.go in the cuemby-warren example). Unlike
// that example, registration targets a private *prometheus.Registry rather
// than the global DefaultRegisterer: spec.md's Non-goals explicitly exclude
// an HTTP /metrics endpoint, so nothing ever needs package-global exposure.
// The registry lives only inside the daemon process; pibrainctl, a separate
// process with no IPC to a running daemon, cannot reach it. RenderText
// exists for the daemon's own in-process diagnostic logging (see
// internal/daemon's reportQueueDepth), using the same expfmt encoder
// promhttp.Handler would use, without ever binding a port.
package metrics

import (
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is constructed once by the daemon supervisor and threaded into
// every component that reports metrics, mirroring how internal/logging's
// Logger is injected rather than accessed as a singleton.
type Registry struct {
	reg *prometheus.Registry

	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	AnalyzerDuration *prometheus.HistogramVec

	ConnectionsDiscovered prometheus.Counter
	InsightsGenerated     prometheus.Counter
}

// New builds every collector the daemon exposes and registers them on a
// fresh private prometheus.Registry, so separate calls in one process never
// collide on registration; the daemon supervisor constructs one Registry
// for its lifetime.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pibrain_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by job type.",
		}, []string{"job_type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pibrain_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by job type.",
		}, []string{"job_type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pibrain_jobs_failed_total",
			Help: "Total number of jobs that failed terminally, by job type and error reason.",
		}, []string{"job_type", "reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pibrain_queue_depth",
			Help: "Current number of jobs in the queue, by status.",
		}, []string{"status"}),
		AnalyzerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pibrain_analyzer_invocation_duration_seconds",
			Help:    "Duration of analyzer subprocess invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ConnectionsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pibrain_connections_discovered_total",
			Help: "Total number of edges created by the connection discoverer.",
		}),
		InsightsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pibrain_insights_generated_total",
			Help: "Total number of aggregated insights upserted by the clustering pass.",
		}),
	}

	reg.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsFailed, m.QueueDepth,
		m.AnalyzerDuration, m.ConnectionsDiscovered, m.InsightsGenerated,
	)
	return m
}

// Gather returns the currently registered metric families.
func (m *Registry) Gather() ([]*dto.MetricFamily, error) {
	return m.reg.Gather()
}

// RenderText encodes every registered metric family in the Prometheus text
// exposition format, the same wire format promhttp.Handler would serve,
// without ever binding a port. Its only caller is in-process (see
// internal/daemon's reportQueueDepth) since nothing outside the daemon
// process can reach this registry.
func (m *Registry) RenderText() (string, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(&sb, f); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// Timer times one operation and records it into a histogram on
// ObserveSeconds, grounded on the same pack example's metrics.Timer helper.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// ObserveSeconds records the elapsed duration, with labels, into h.
func (t Timer) ObserveSeconds(h *prometheus.HistogramVec, labelValues ...string) {
	h.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
