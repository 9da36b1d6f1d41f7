// Package metrics holds the Prometheus collectors the gateway exports. All
// methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weblategate"

// Remote-user events.
const (
	EventLogin     = "login"
	EventLogout    = "logout"
	EventCreated   = "created"
	EventFailure   = "failure"
	EventAnonymous = "anonymous"
	EventUnchanged = "unchanged"
)

type Metrics struct {
	registry *prometheus.Registry

	csrfRequests     *prometheus.CounterVec
	remoteUserEvents *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, which also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		csrfRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_requests_total",
			Help:      "Unsafe-method requests seen by the CSRF middleware, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		remoteUserEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_user_events_total",
			Help:      "Remote-user authentication events.",
		}, []string{"event"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time to serve requests, including the upstream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
}

// CSRF records a CSRF decision. outcome is "accepted" or "rejected".
func (m *Metrics) CSRF(mode, outcome string) {
	if m == nil {
		return
	}
	m.csrfRequests.WithLabelValues(mode, outcome).Inc()
}

// RemoteUser records a remote-user event.
func (m *Metrics) RemoteUser(event string) {
	if m == nil {
		return
	}
	m.remoteUserEvents.WithLabelValues(event).Inc()
}

// ObserveRequest records a served request.
func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(code)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
