package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssrc_relay_active_sessions",
		Help: "Number of registered sessions",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssrc_relay_sessions_created_total",
		Help: "Total number of sessions registered",
	})

	ActiveTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssrc_relay_active_targets",
		Help: "Number of registered targets across all sessions",
	})

	// ActiveFanouts tracks live fan-out points by media kind
	ActiveFanouts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssrc_relay_active_fanouts",
		Help: "Number of live fan-out points",
	}, []string{"kind"}) // "audio" | "video"

	LinkedOutputs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssrc_relay_linked_outputs",
		Help: "Number of target outputs attached to fan-out points",
	}, []string{"kind"})

	UnclaimedPaths = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssrc_relay_unclaimed_paths",
		Help: "Number of SSRC data paths parked on a dangling sink",
	}, []string{"kind"})

	UnclaimedExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_unclaimed_expired_total",
		Help: "Total number of unclaimed SSRC paths released after their idle timeout",
	}, []string{"kind"})

	DanglingRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_dangling_recoveries_total",
		Help: "Total number of dangling paths promoted to a fan-out point on session registration",
	}, []string{"kind"})

	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_packets_received_total",
		Help: "Total RTP/RTCP packets received on the ingest ports",
	}, []string{"kind"})

	BytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_bytes_received_total",
		Help: "Total bytes received on the ingest ports",
	}, []string{"kind"})

	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_packets_forwarded_total",
		Help: "Total packets sent to targets",
	}, []string{"kind"})

	BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_bytes_forwarded_total",
		Help: "Total bytes sent to targets",
	}, []string{"kind"})

	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_packets_dropped_total",
		Help: "Total packets dropped before reaching a target",
	}, []string{"kind", "reason"}) // reason: "malformed" | "payload_type" | "no_sink" | "unclaimed" | "queue_full" | "write_error" | "rtcp_unrouted" | "claim_backlog"

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_control_commands_total",
		Help: "Total control commands processed",
	}, []string{"command", "result"}) // result: "ok" | "error"

	ControlConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssrc_relay_control_connections_total",
		Help: "Total accepted control connections",
	})

	LinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_link_failures_total",
		Help: "Total failed attempts to attach a target output",
	}, []string{"kind"})

	TeardownFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssrc_relay_teardown_failures_total",
		Help: "Graph elements that failed to tear down cleanly (possible leak)",
	}, []string{"element"}) // "output" | "fanout" | "dangling" | "path"

	ClaimLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ssrc_relay_claim_seconds",
		Help:    "Time between first packet of an SSRC and the router handling its claim",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
	}, []string{"kind"})

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssrc_relay_config_reloads_total",
		Help: "Number of configuration reloads",
	})

	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssrc_relay_start_time_seconds",
		Help: "Process start time in Unix seconds",
	})
)
