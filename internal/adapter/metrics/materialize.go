package metrics

import "github.com/prometheus/client_golang/prometheus"

// MaterializeMetrics holds Prometheus metrics for the notification pipeline.
type MaterializeMetrics struct {
	EventsProcessed    *prometheus.CounterVec
	RecordsCreated     *prometheus.CounterVec
	LivePushes         *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
}

// NewMaterializeMetrics creates and registers notification pipeline metrics on the given registry.
func NewMaterializeMetrics(reg prometheus.Registerer) *MaterializeMetrics {
	m := &MaterializeMetrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of domain events materialized, by event type and result.",
		}, []string{"type", "result"}),
		RecordsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_records_total",
			Help:      "Total number of notification record writes, by result.",
		}, []string{"result"}),
		LivePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_pushes_total",
			Help:      "Total number of live pushes, by kind and result.",
		}, []string{"kind", "result"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "materialize_duration_seconds",
			Help:      "Duration of materializing one domain event in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}

	reg.MustRegister(m.EventsProcessed, m.RecordsCreated, m.LivePushes, m.ProcessingDuration)
	return m
}
