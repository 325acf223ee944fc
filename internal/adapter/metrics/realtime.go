package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics holds Prometheus metrics for the broadcast manager.
type RealtimeMetrics struct {
	ActiveConnections  *prometheus.GaugeVec
	Subscriptions      prometheus.Gauge
	Deliveries         prometheus.Counter
	DeliveryFailures   *prometheus.CounterVec
	HeartbeatEvictions prometheus.Counter
	CommandQueueDepth  prometheus.Gauge
	LoopPanics         prometheus.Counter
}

// NewRealtimeMetrics creates and registers broadcast metrics on the given registry.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_connections",
			Help:      "Number of registered live connections, by transport.",
		}, []string{"transport"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscriptions",
			Help:      "Number of connection-to-team subscription edges.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Total number of events handed to a connection.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "delivery_failures_total",
			Help:      "Total number of failed deliveries, by reason.",
		}, []string{"reason"}),
		HeartbeatEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "heartbeat_evictions_total",
			Help:      "Total number of connections removed for missing a heartbeat.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "command_queue_depth",
			Help:      "Number of commands waiting for the manager loop.",
		}),
		LoopPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "loop_panics_total",
			Help:      "Total number of panics recovered in the manager loop.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Subscriptions, m.Deliveries, m.DeliveryFailures,
		m.HeartbeatEvictions, m.CommandQueueDepth, m.LoopPanics)
	return m
}
