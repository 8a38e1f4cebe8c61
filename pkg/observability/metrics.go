package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session engine
type Metrics struct {
	// Authority client metrics
	AuthorityRequestsTotal   *prometheus.CounterVec
	AuthorityRequestDuration *prometheus.HistogramVec

	// Session lifecycle metrics
	BootstrapOutcomesTotal *prometheus.CounterVec
	LoginsTotal            *prometheus.CounterVec
	RenewalsTotal          *prometheus.CounterVec
	ForcedLogoutsTotal     *prometheus.CounterVec
	SessionsActive         *prometheus.GaugeVec

	// Store metrics
	StoreOperationsTotal *prometheus.CounterVec
	StoreErrorsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		AuthorityRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_authority_requests_total",
				Help: "Total number of requests to the token authority",
			},
			[]string{"kind", "op", "outcome"},
		),
		AuthorityRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessiond_authority_request_duration_seconds",
				Help:    "Authority request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "op"},
		),
		BootstrapOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_bootstrap_outcomes_total",
				Help: "Bootstrap results by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_logins_total",
				Help: "Login attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_renewals_total",
				Help: "Token renewal attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ForcedLogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_forced_logouts_total",
				Help: "Sessions torn down without an explicit logout call",
			},
			[]string{"kind", "reason"},
		),
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessiond_sessions_active",
				Help: "Whether a session of the given kind is currently authenticated (0 or 1)",
			},
			[]string{"kind"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_store_operations_total",
				Help: "Durable store operations by operation type",
			},
			[]string{"op"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_store_errors_total",
				Help: "Durable store errors by operation type",
			},
			[]string{"op"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.AuthorityRequestsTotal,
		m.AuthorityRequestDuration,
		m.BootstrapOutcomesTotal,
		m.LoginsTotal,
		m.RenewalsTotal,
		m.ForcedLogoutsTotal,
		m.SessionsActive,
		m.StoreOperationsTotal,
		m.StoreErrorsTotal,
	)

	return m
}

// ObserveAuthorityRequest records one authority round trip.
func (m *Metrics) ObserveAuthorityRequest(kind, op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AuthorityRequestsTotal.WithLabelValues(kind, op, outcome).Inc()
	m.AuthorityRequestDuration.WithLabelValues(kind, op).Observe(duration.Seconds())
}

// SetSessionActive records whether a session of the kind is authenticated.
func (m *Metrics) SetSessionActive(kind string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.SessionsActive.WithLabelValues(kind).Set(v)
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
