// Package monitor exposes operational visibility for the servers: Prometheus
// metrics and a websocket status stream, both served off one HTTP listener.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectedClients tracks live TCP connections across all roles.
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Name:      "connected_clients",
		Help:      "Number of live client and peer connections.",
	})

	// PacketsHandled counts packets dispatched to a backend handler.
	PacketsHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Name:      "packets_handled_total",
		Help:      "Total packets decoded and dispatched to a handler.",
	})

	// DroppedFrames counts frames rejected before dispatch (malformed or
	// disallowed for the sender's classification).
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Name:      "dropped_frames_total",
		Help:      "Total frames dropped before reaching a handler.",
	})

	// LiveEntities tracks entities tracked by the shard's spatial index.
	LiveEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Name:      "live_entities",
		Help:      "Entities currently tracked by the spatial index.",
	})

	// LivePlayers tracks players currently in the world.
	LivePlayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Name:      "live_players",
		Help:      "Players currently in the world.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedClients,
		PacketsHandled,
		DroppedFrames,
		LiveEntities,
		LivePlayers,
	)
}
