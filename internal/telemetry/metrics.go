// Package telemetry provides observability primitives for the Palantir gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FailoversTotal   *prometheus.CounterVec

	TokenRefreshes  *prometheus.CounterVec
	QuotaExhausted  *prometheus.CounterVec
	AccountsInPool  *prometheus.GaugeVec
	TokensProcessed *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"channel", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"channel", "status"}),

		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "failovers_total",
			Help:      "Total account failovers during request serving.",
		}, []string{"channel"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "token_refreshes_total",
			Help:      "Total provider token refresh attempts.",
		}, []string{"channel", "outcome"}),

		QuotaExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "quota_exhausted_total",
			Help:      "Total model quota exhaustion events.",
		}, []string{"channel", "model"}),

		AccountsInPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "accounts_in_pool",
			Help:      "Accounts currently eligible for routing, per channel.",
		}, []string{"channel"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoversTotal,
		m.TokenRefreshes,
		m.QuotaExhausted,
		m.AccountsInPool,
		m.TokensProcessed,
	)

	return m
}

// Handler returns the Prometheus scrape handler for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
