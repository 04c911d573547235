package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay-gateway metrics. Registered once at package init; shared by the
// session, upstream, and httpapi packages.
var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Device frames received, by action.",
		},
		[]string{"action"},
	)
	DecodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Device frames dropped because they could not be parsed.",
		},
	)
	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_forwards_total",
			Help: "Frames forwarded to the vendor backend, by result.",
		},
		[]string{"result"},
	)
	LocalRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_local_replies_total",
			Help: "Synthetic replies sent while the vendor backend was unreachable, by action.",
		},
		[]string{"action"},
	)
	UpstreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Times the upstream link dropped and a reconnect cycle started.",
		},
	)
	UpstreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_upstream_state",
			Help: "Upstream link state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Open device sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FramesTotal,
		DecodeFailuresTotal,
		ForwardsTotal,
		LocalRepliesTotal,
		UpstreamReconnectsTotal,
		UpstreamState,
		ActiveSessions,
	)
}
