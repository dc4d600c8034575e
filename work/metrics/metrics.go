package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors of the media server. A single instance is
// created at startup against a registerer and handed to the components.
type Metrics struct {
	// SessionsActive tracks the number of live streaming sessions.
	SessionsActive prometheus.Gauge

	// SessionOutputs tracks attached output connections per delivery profile.
	SessionOutputs *prometheus.GaugeVec

	// SessionsCreated counts pipelines started per delivery profile.
	SessionsCreated *prometheus.CounterVec

	// SessionsReused counts requests served by attaching to a running session.
	SessionsReused *prometheus.CounterVec

	// SessionsClosed counts closed sessions by reason (drained, idle, shutdown, failed).
	SessionsClosed *prometheus.CounterVec

	// SessionErrors counts request failures by error type.
	SessionErrors *prometheus.CounterVec

	// BytesStreamed counts bytes written to outputs per delivery profile.
	BytesStreamed *prometheus.CounterVec

	// DiscoveryNodes tracks cached remote nodes per service type.
	DiscoveryNodes *prometheus.GaugeVec

	// SSDPPackets counts handled datagrams by kind (alive, byebye, response, search).
	SSDPPackets *prometheus.CounterVec

	// SSDPDropped counts datagrams that were discarded, by reason.
	SSDPDropped *prometheus.CounterVec

	// Negotiations counts profile negotiations by media kind and result.
	Negotiations *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil uses a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanmedia_sessions_active",
			Help: "Number of live streaming sessions",
		}),
		SessionOutputs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanmedia_session_outputs",
			Help: "Number of output connections attached to sessions",
		}, []string{"profile"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_sessions_created_total",
			Help: "Total sessions that started a pipeline",
		}, []string{"profile"}),
		SessionsReused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_sessions_reused_total",
			Help: "Total requests attached to an existing session",
		}, []string{"profile"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_sessions_closed_total",
			Help: "Total closed sessions",
		}, []string{"reason"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_session_errors_total",
			Help: "Total failed stream requests",
		}, []string{"error_type"}),
		BytesStreamed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_bytes_streamed_total",
			Help: "Total bytes written to stream outputs",
		}, []string{"profile"}),
		DiscoveryNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanmedia_discovery_nodes",
			Help: "Number of remote nodes in the discovery cache",
		}, []string{"service_type"}),
		SSDPPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_ssdp_packets_total",
			Help: "Total handled SSDP datagrams",
		}, []string{"kind"}),
		SSDPDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_ssdp_dropped_total",
			Help: "Total discarded SSDP datagrams",
		}, []string{"reason"}),
		Negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanmedia_negotiations_total",
			Help: "Total profile negotiations",
		}, []string{"kind", "result"}),
	}
}
