// v0
// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors exported at /metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	sessions          prometheus.Gauge
	decisions         *prometheus.CounterVec
	telemetryDropped  prometheus.Counter
	telemetryFailed   prometheus.Counter
	analyticsCycles   *prometheus.CounterVec
	alertsActive      *prometheus.GaugeVec
	wsClients         prometheus.Gauge
	cbState           *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorctl_http_requests_total",
			Help: "Gateway requests served, by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floorctl_http_request_seconds",
			Help:    "Gateway request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "floorctl_device_sessions",
			Help: "Device sessions currently connected.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorctl_decisions_total",
			Help: "Decisions returned to devices by class, action and origin.",
		}, []string{"class", "action", "origin"}),
		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorctl_telemetry_dropped_total",
			Help: "Samples dropped because the telemetry queue was full.",
		}),
		telemetryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorctl_telemetry_write_failures_total",
			Help: "Samples the telemetry store failed to persist.",
		}),
		analyticsCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorctl_analytics_cycles_total",
			Help: "Analytics cycles by result.",
		}, []string{"result"}),
		alertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floorctl_alerts_active",
			Help: "Alerts in the latest snapshot by level.",
		}, []string{"level"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "floorctl_ws_clients",
			Help: "WebSocket subscribers attached to the broadcast hub.",
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floorctl_breaker_state",
			Help: "Breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.sessions,
		m.decisions,
		m.telemetryDropped,
		m.telemetryFailed,
		m.analyticsCycles,
		m.alertsActive,
		m.wsClients,
		m.cbState,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency under route. Not for
// handlers that hijack the connection.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// Decision counts one response. origin is "auto" or "manual".
func (m *Metrics) Decision(class, action, origin string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(class, action, origin).Inc()
}

func (m *Metrics) TelemetryDropped() {
	if m == nil {
		return
	}
	m.telemetryDropped.Inc()
}

func (m *Metrics) TelemetryFailed() {
	if m == nil {
		return
	}
	m.telemetryFailed.Inc()
}

// AnalyticsCycle counts a cycle; result is "ok", "empty" or "error".
func (m *Metrics) AnalyticsCycle(result string) {
	if m == nil {
		return
	}
	m.analyticsCycles.WithLabelValues(result).Inc()
}

// SetAlerts replaces the per-level alert gauges.
func (m *Metrics) SetAlerts(byLevel map[string]int) {
	if m == nil {
		return
	}
	m.alertsActive.Reset()
	for level, n := range byLevel {
		m.alertsActive.WithLabelValues(level).Set(float64(n))
	}
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}
