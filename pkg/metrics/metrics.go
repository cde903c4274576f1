// Package metrics defines the Prometheus instrumentation for the
// networking core, in the spirit of the m-lab/tcp-info and
// runZeroInc/sockstats exporters: one place that turns internal protocol
// counters into gauges and counters a peer-chat/file-sharing operator
// can scrape, independent of any particular peer's logging.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CongestWinSize tracks each stream's current congestion window, in
	// bytes, labelled by peer id.
	CongestWinSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_tcp_congest_win_bytes",
			Help: "current TCP-over-UDP congestion window, in bytes",
		},
		[]string{"peer"})

	// RTTEstimate tracks the smoothed round-trip time estimate.
	RTTEstimate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_tcp_rtt_estimate_seconds",
			Help: "Jacobson RTT estimate per stream",
		},
		[]string{"peer"})

	// RetransmitTotal counts packet retransmissions.
	RetransmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_tcp_retransmit_total",
			Help: "total packets retransmitted",
		},
		[]string{"peer"})

	// ConnectionFailures counts streams that transitioned to CLOSED due
	// to retransmit-cap exhaustion or idle timeout.
	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_tcp_connection_failures_total",
			Help: "connections force-closed by retransmit cap or idle timeout",
		},
		[]string{"peer", "reason"})

	// QueueDepth tracks segment counts in inQueue/outQueue/inPkt.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_tcp_queue_depth",
			Help: "segment count per internal queue",
		},
		[]string{"peer", "queue"})

	// StreamRateBytesPerSec publishes the EWMA send/recv rate the
	// PqiStreamer computes every AVG_PERIOD.
	StreamRateBytesPerSec = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_pqistreamer_rate_bytes_per_second",
			Help: "EWMA-smoothed observed throughput",
		},
		[]string{"peer", "direction"})

	// OversizePacketTotal counts frames rejected for exceeding
	// getPktMaxSize().
	OversizePacketTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_pqistreamer_oversize_packet_total",
			Help: "inbound frames rejected for exceeding the maximum packet size",
		},
		[]string{"peer"})

	// DecodeFailureTotal counts NetItem deserialisation failures.
	DecodeFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_pqistreamer_decode_failure_total",
			Help: "NetItem deserialisation failures",
		},
		[]string{"peer"})
)
