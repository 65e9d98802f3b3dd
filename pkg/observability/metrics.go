package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SSO flow metrics
	LoginsInitiatedTotal prometheus.Counter
	LoginsSucceededTotal prometheus.Counter
	LoginsFailedTotal    *prometheus.CounterVec
	ReplayRejectedTotal  prometheus.Counter

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsSweptTotal  prometheus.Counter
	RelayStatesConsumed *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginsInitiatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_logins_initiated_total",
				Help: "Total number of SSO redirects issued to the IdP",
			},
		),
		LoginsSucceededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_logins_succeeded_total",
				Help: "Total number of successful SSO logins",
			},
		),
		LoginsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_logins_failed_total",
				Help: "Total number of rejected SSO logins by reason",
			},
			[]string{"reason"},
		),
		ReplayRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_assertion_replays_rejected_total",
				Help: "Total number of assertions rejected by the replay cache",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_sessions_active",
				Help: "Number of live sessions, rebased from the session store on every sweep",
			},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_swept_total",
				Help: "Total number of expired sessions removed by the sweeper",
			},
		),
		RelayStatesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_relay_states_consumed_total",
				Help: "Total number of relay state consume attempts by outcome",
			},
			[]string{"outcome"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsInitiatedTotal,
		m.LoginsSucceededTotal,
		m.LoginsFailedTotal,
		m.ReplayRejectedTotal,
		m.SessionsActive,
		m.SessionsSweptTotal,
		m.RelayStatesConsumed,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps an HTTP handler with request count and duration
// metrics. The path label uses the route template, not the raw URL, to keep
// cardinality bounded.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
