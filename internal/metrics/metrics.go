// Package metrics wires the bus server's Prometheus collectors, grounded
// on the pack's promauto usage (e.g.
// controlplane/agent/internal/agent/metrics.go, telemetry/flow-ingest's
// internal/metrics) but gathered into a struct handed around by reference
// rather than registered against the global default registry, so a
// process can run more than one Server (e.g. in tests) without a
// duplicate-registration panic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors exposed on /metrics. cmd/moldbus-sequencer
// updates EventsCommitted and RewindClients; nothing in the tree updates
// GapsDetected, RewindBytesSent, SubscriberFanout or CommandsRejected, so
// they stay at zero.
type Metrics struct {
	Registry *prometheus.Registry

	EventsCommitted   prometheus.Counter
	GapsDetected      prometheus.Counter
	RewindBytesSent   prometheus.Counter
	RewindClients     prometheus.Gauge
	SubscriberFanout   prometheus.Gauge
	CommandsRejected  *prometheus.CounterVec
}

// New builds a fresh registry and registers every collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "moldbus_events_committed_total",
			Help: "Total events committed to the message store and broadcast.",
		}),
		GapsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "moldbus_subscriber_gaps_detected_total",
			Help: "Total sequence gaps detected by the UDP subscriber.",
		}),
		RewindBytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "moldbus_rewind_bytes_sent_total",
			Help: "Total bytes streamed to TCP rewind peers during backlog replay.",
		}),
		RewindClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "moldbus_rewind_clients",
			Help: "Number of TCP rewind peers currently connected.",
		}),
		SubscriberFanout: f.NewGauge(prometheus.GaugeOpts{
			Name: "moldbus_subscriber_fanout_size",
			Help: "Number of caught-up TCP peers currently receiving live UDP-equivalent fanout.",
		}),
		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moldbus_commands_rejected_total",
			Help: "Total inbound commands dropped by the sequencer or CLOB handler.",
		}, []string{"reason"}),
	}
}
