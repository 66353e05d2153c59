package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the meeting relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: meeting_relay (application-level grouping)
// - subsystem: control, room, udp, file, gateway (feature-level grouping)
// - name: specific metric (connections_active, packets_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, endpoints)
// - Counter: Cumulative events (messages routed, drops, rejections)

var (
	// ActiveConnections tracks the current number of authenticated TCP control connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meeting_relay",
		Subsystem: "control",
		Name:      "connections_active",
		Help:      "Current number of authenticated control-plane connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meeting_relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meeting_relay",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	// MessagesRouted counts control-plane messages fanned out or forwarded
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "control",
		Name:      "messages_routed_total",
		Help:      "Total control-plane messages routed to peers",
	}, []string{"type"})

	// BroadcastDrops counts frames dropped because a peer's outbox was full
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "control",
		Name:      "broadcast_drops_total",
		Help:      "Frames dropped on slow peers during room broadcast",
	})

	// FileFramesRelayed counts relayed file transfer frames by kind
	FileFramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "file",
		Name:      "frames_relayed_total",
		Help:      "Total file transfer frames relayed",
	}, []string{"kind"})

	// RateLimitRejections counts frames or packets refused by a rate limiter
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "control",
		Name:      "rate_limit_rejections_total",
		Help:      "Frames or packets refused by rate limiting",
	}, []string{"kind"})

	// UDPEndpoints tracks registered media endpoints per media kind
	UDPEndpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meeting_relay",
		Subsystem: "udp",
		Name:      "endpoints_active",
		Help:      "Registered UDP media endpoints",
	}, []string{"media"})

	// UDPPacketsRelayed counts datagrams fanned out per media kind
	UDPPacketsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "udp",
		Name:      "packets_relayed_total",
		Help:      "Total media datagrams relayed",
	}, []string{"media"})

	// UDPPacketsDropped counts datagrams dropped by reason
	UDPPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meeting_relay",
		Subsystem: "udp",
		Name:      "packets_dropped_total",
		Help:      "Media datagrams dropped (bad_packet, rate_limit, send_error)",
	}, []string{"media", "reason"})

	// GatewaySessions tracks open browser gateway sessions
	GatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meeting_relay",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Current number of open WebSocket gateway sessions",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
