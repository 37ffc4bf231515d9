// Package metrics holds the HTTP-level Prometheus collectors for the
// internal admin API and serves the scrape endpoint. Domain collectors
// (sync runs, queue jobs, scheduler ticks) live next to the code that
// drives them and register against the same registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_http_requests_total",
			Help: "Requests served by the internal sync API.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sync_http_request_duration_seconds",
			Help: "Internal sync API request latency.",
			// The API only gates and enqueues; anything past a second
			// means the dispatcher is stuck on Redis or Postgres.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path", "status"},
	)
)

// Register installs the HTTP collectors on the service registry.
// Must be called exactly once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(RequestCount, RequestDuration)
}

// Handler exposes the registry for Prometheus scrapes.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
