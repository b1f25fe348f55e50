// Package metrics exposes the composer's own operational metrics — request
// counts, proxy latency, breaker trips, active backend count — distinct from
// the per-backend vLLM metrics that GET /metrics aggregates for clients.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the composer registers with Prometheus.
type Registry struct {
	RequestsTotal  *prometheus.CounterVec
	ProxyDuration  *prometheus.HistogramVec
	BreakerTrips   *prometheus.CounterVec
	ActiveBackends prometheus.Gauge
}

// NewRegistry registers and returns the composer's collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_requests_total",
			Help: "Total inference requests handled, by route and response status.",
		}, []string{"route", "status"}),

		ProxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "composer_proxy_duration_seconds",
			Help:    "Time spent forwarding a request to a backend, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_breaker_trips_total",
			Help: "Times a backend's circuit breaker has opened, by backend URL.",
		}, []string{"backend"}),

		ActiveBackends: factory.NewGauge(prometheus.GaugeOpts{
			Name: "composer_active_backends",
			Help: "Number of backends currently usable (circuit closed and healthy).",
		}),
	}
}

// Handler returns the HTTP handler that serves this process's metrics in
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
