// Package metrics exposes controller counters and gauges to Prometheus.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jxucoder/efimeral/pkg/model"
)

const namespace = "efimeral"

// Launch results.
const (
	ResultOK       = "ok"
	ResultCapacity = "capacity"
	ResultConfig   = "config"
	ResultAttach   = "attach_failed"
	ResultError    = "error"
)

// Metrics holds the controller's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	launches       *prometheus.CounterVec
	reclaims       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	active         prometheus.Gauge
	launchDuration prometheus.Histogram
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Launch requests by result.",
		}, []string{"result"}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclamations_total",
			Help:      "Leases reclaimed, by reason.",
		}, []string{"reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_retries_total",
			Help:      "Retried calls to the fleet substrate and routing layer, by operation.",
		}, []string{"op"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_leases",
			Help:      "Leases not yet terminated.",
		}),
		launchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from launch request to ACTIVE lease.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	m.registry.MustRegister(
		m.launches, m.reclaims, m.retries, m.active, m.launchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Launch records a launch outcome.
func (m *Metrics) Launch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

// LaunchDuration records how long a successful launch took.
func (m *Metrics) LaunchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.launchDuration.Observe(d.Seconds())
}

// Reclaimed records a committed reclamation.
func (m *Metrics) Reclaimed(reason model.Reason) {
	if m == nil {
		return
	}
	m.reclaims.WithLabelValues(string(reason)).Inc()
}

// Retry records a retried external call.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// SetActive sets the number of non-terminal leases.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
