package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics holds Prometheus metrics for the Redis cluster bus.
type BusMetrics struct {
	Published    *prometheus.CounterVec
	Relayed      *prometheus.CounterVec
	CircuitState prometheus.Gauge
}

// NewBusMetrics creates and registers cluster bus metrics on the given registry.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of envelopes published to the bus, by result.",
		}, []string{"result"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "relayed_total",
			Help:      "Total number of bus envelopes relayed to the local manager, by result.",
		}, []string{"result"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "circuit_state",
			Help:      "Publish circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Published, m.Relayed, m.CircuitState)
	return m
}
