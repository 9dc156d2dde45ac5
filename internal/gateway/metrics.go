package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	Connections        prometheus.Gauge
	MessagesSent       prometheus.Counter
	SlowConsumerCloses prometheus.Counter

	SnapshotsProcessed prometheus.Counter
	DeltasProcessed    prometheus.Counter
	SnapshotsSent      prometheus.Counter
	ResyncsTriggered   prometheus.Counter

	AggregatesIn      prometheus.Counter
	AggregatesSent    prometheus.Counter
	AggregatesDropped prometheus.Counter

	UpstreamEvents *prometheus.CounterVec // labels: action, kind
	ConsumerErrors *prometheus.CounterVec // labels: stream

	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
}

// NewMetrics registers and returns all gateway metrics. Tests pass
// their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Currently open WebSocket connections",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Messages queued to client sockets",
		}),
		SlowConsumerCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_consumer_closes_total",
			Help: "Connections closed due to outbound queue overflow",
		}),
		SnapshotsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_snapshots_processed_total",
			Help: "Snapshot messages consumed from the ranking stream",
		}),
		DeltasProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_deltas_processed_total",
			Help: "Delta messages consumed from the ranking stream",
		}),
		SnapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_snapshots_sent_total",
			Help: "Snapshot messages delivered to clients",
		}),
		ResyncsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_resyncs_total",
			Help: "Sequence gaps that triggered a fresh snapshot",
		}),
		AggregatesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_aggregates_in_total",
			Help: "Aggregates received from the stream",
		}),
		AggregatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_aggregates_sent_total",
			Help: "Aggregates flushed to subscribers after throttling",
		}),
		AggregatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_aggregates_dropped_total",
			Help: "Aggregates dropped because the sampler buffer was full",
		}),
		UpstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_events_total",
			Help: "Ref-count transitions published to the connector streams",
		}, []string{"action", "kind"}),
		ConsumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_consumer_errors_total",
			Help: "Stream read errors per stream",
		}, []string{"stream"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_upstream_breaker_state",
			Help: "Upstream publisher circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.MessagesSent,
		m.SlowConsumerCloses,
		m.SnapshotsProcessed,
		m.DeltasProcessed,
		m.SnapshotsSent,
		m.ResyncsTriggered,
		m.AggregatesIn,
		m.AggregatesSent,
		m.AggregatesDropped,
		m.UpstreamEvents,
		m.ConsumerErrors,
		m.BreakerState,
	)
	return m
}
