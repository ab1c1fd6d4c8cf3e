package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the realtime layer's instrumentation. Pass a nil
// Registerer to keep the collectors unregistered (tests, embedding).
type Metrics struct {
	ActiveChannels    prometheus.Gauge
	BroadcastsSent    prometheus.Counter
	BroadcastsDropped prometheus.Counter
	MessagesDelivered prometheus.Counter
	PresenceJoins     prometheus.Counter
	PresenceLeaves    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
}

// NewMetrics constructs (and optionally registers) the realtime collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campus_realtime_active_channels",
			Help: "Number of live channel handles in the registry.",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_broadcasts_sent_total",
			Help: "Broadcast events published to the transport.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_broadcasts_dropped_total",
			Help: "Broadcast attempts that failed or found no open channel.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_messages_delivered_total",
			Help: "Inbound broadcast messages dispatched to subscribers.",
		}),
		PresenceJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_presence_joins_total",
			Help: "Presence join events observed.",
		}),
		PresenceLeaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_presence_leaves_total",
			Help: "Presence leave events observed.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled by the connection manager.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campus_realtime_connection_state",
			Help: "Connection manager state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveChannels,
			m.BroadcastsSent,
			m.BroadcastsDropped,
			m.MessagesDelivered,
			m.PresenceJoins,
			m.PresenceLeaves,
			m.ReconnectAttempts,
			m.ConnectionState,
		)
	}
	return m
}
