// Package observability exposes Prometheus metrics for the forge.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all forge metrics. A nil *Metrics is valid and
// records nothing, so components can be constructed without metrics
// in tests.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	logSubscribers   prometheus.Gauge
	eventSubscribers prometheus.Gauge
	autoMerges       *prometheus.CounterVec
	droppedEvents    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_ci_jobs_started_total",
			Help: "CI jobs started, by kind (pre-merge or post-merge).",
		}, []string{"kind"}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_ci_jobs_completed_total",
			Help: "CI jobs completed, by final status.",
		}, []string{"status"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_ci_active_jobs",
			Help: "Jobs currently pending or running.",
		}),
		logSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_log_stream_subscribers",
			Help: "Open log stream connections.",
		}),
		eventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_job_event_subscribers",
			Help: "Open job event stream connections.",
		}),
		autoMerges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_auto_merges_total",
			Help: "Auto-merge attempts, by outcome.",
		}, []string{"outcome"}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_job_events_dropped_total",
			Help: "Job events dropped because a subscriber was too slow.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobCompleted(status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

func (m *Metrics) LogSubscriberChange(delta int) {
	if m == nil {
		return
	}
	m.logSubscribers.Add(float64(delta))
}

func (m *Metrics) EventSubscriberChange(delta int) {
	if m == nil {
		return
	}
	m.eventSubscribers.Add(float64(delta))
}

func (m *Metrics) AutoMerge(outcome string) {
	if m == nil {
		return
	}
	m.autoMerges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
