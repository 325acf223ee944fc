package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// sessionRoutes hold the request open for the lifetime of a live connection.
var sessionRoutes = map[string]bool{
	"/realtime/ws":     true,
	"/realtime/stream": true,
}

// HTTPMetrics tracks request/response traffic and, separately, the realtime
// sessions whose requests stay open for minutes.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
	SessionDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates and registers HTTP metrics on the given registry.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of short-lived HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests, realtime sessions included.",
		}, []string{"method", "route", "status_code"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of short-lived HTTP requests currently being processed.",
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of socket and stream sessions in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600},
		}, []string{"route"}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge, m.SessionDuration)
	return m
}

// Middleware returns an Echo middleware that records HTTP metrics. It skips
// /metrics and /health/*; socket and stream sessions go to SessionDuration
// so they do not distort request latency.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "/metrics" || strings.HasPrefix(path, "/health/") {
				return next(c)
			}
			method := c.Request().Method

			if sessionRoutes[path] {
				timer := prometheus.NewTimer(m.SessionDuration.WithLabelValues(path))
				err := next(c)
				timer.ObserveDuration()
				m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
				return err
			}

			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				status := strconv.Itoa(c.Response().Status)
				m.RequestDuration.WithLabelValues(method, path, status).Observe(v)
				m.RequestsTotal.WithLabelValues(method, path, status).Inc()
			}))

			err := next(c)
			timer.ObserveDuration()
			return err
		}
	}
}
