// Package config holds the protocol stack's tunable defaults, loadable
// from the environment with github.com/sethvargo/go-envconfig the way the
// telepresence client configuration is loaded, so integration tests can
// override timeouts and caps without recompiling.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config collects every tunable constant the protocol stack reads. Zero
// value is invalid; use Default() or Load().
type Config struct {
	// MaxSeg is the maximum payload bytes per datagram (MAX_SEG).
	MaxSeg int `env:"NETCORE_MAX_SEG, default=1484"`

	// PseudoHeaderSize is TCP_PSEUDO_HDR_SIZE, the wire header this
	// protocol prepends to every UDP datagram.
	PseudoHeaderSize int `env:"NETCORE_PSEUDO_HDR_SIZE, default=16"`

	// MaxWinSize is the largest receive window this stack will advertise.
	MaxWinSize uint32 `env:"NETCORE_MAX_WIN, default=1048576"`

	// StdTTL is TCP_STD_TTL, the TTL used once the firewall-traversal
	// ramp has completed.
	StdTTL int `env:"NETCORE_STD_TTL, default=64"`

	// FirewallTTL is TCP_DEFAULT_FIREWALL_TTL, the low TTL used during
	// the connect-phase ramp to elicit NAT/firewall outbound state.
	FirewallTTL int `env:"NETCORE_FIREWALL_TTL, default=4"`

	// MaxQueueSize caps inQueue/outQueue/inPkt segment counts
	// (kMaxQueueSize).
	MaxQueueSize int `env:"NETCORE_MAX_QUEUE_SIZE, default=100"`

	// MaxPktRetransmit is kMaxPktRetransmit.
	MaxPktRetransmit int `env:"NETCORE_MAX_PKT_RETRANSMIT, default=20"`

	// MaxSynPktRetransmit is kMaxSynPktRetransmit.
	MaxSynPktRetransmit int `env:"NETCORE_MAX_SYN_PKT_RETRANSMIT, default=1000"`

	// RTTAlpha is the Jacobson smoothing factor (RTT_ALPHA).
	RTTAlpha float64 `env:"NETCORE_RTT_ALPHA, default=0.875"`

	// NoPktTimeout is kNoPktTimeout: silence after which a connection
	// past SYN_RCVD is forced CLOSED.
	NoPktTimeout time.Duration `env:"NETCORE_NO_PKT_TIMEOUT, default=75s"`

	// KeepAliveTimeout is TCP_ALIVE_TIMEOUT.
	KeepAliveTimeout time.Duration `env:"NETCORE_KEEPALIVE_TIMEOUT, default=20s"`

	// AvgPeriod is AVG_PERIOD, the EWMA publish interval.
	AvgPeriod time.Duration `env:"NETCORE_AVG_PERIOD, default=5s"`

	// AvgFrac is AVG_FRAC, the EWMA smoothing weight retained from the
	// prior sample.
	AvgFrac float64 `env:"NETCORE_AVG_FRAC, default=0.8"`

	// AbsMaxBytesPerTick is PQISTREAM_ABS_MAX, the hard per-tick cap
	// applied when a direction is unmetered.
	AbsMaxBytesPerTick int64 `env:"NETCORE_ABS_MAX_BYTES_PER_TICK, default=104857600"`

	// MaxPacketSize is getPktMaxSize(), the largest framed PqiStreamer
	// packet this stack will accept.
	MaxPacketSize uint32 `env:"NETCORE_MAX_PACKET_SIZE, default=10485760"`

	// MaxFailedReadAttempts bounds back-pressure retries of a frame body
	// read (after the base header) before the stall is treated as
	// corruption.
	MaxFailedReadAttempts int `env:"NETCORE_MAX_FAILED_READ_ATTEMPTS, default=2000"`

	// TickInterval is the cadence at which pkg/driver calls Tick on
	// every registered stream.
	TickInterval time.Duration `env:"NETCORE_TICK_INTERVAL, default=50ms"`
}

// Default returns Config populated with its documented defaults and no
// environment overrides, for use outside of a live process (tests, the
// driver's zero-value fallback).
func Default() Config {
	c := Config{}
	_ = envconfig.ProcessWith(context.Background(), &c, envconfig.MapLookuper(nil))
	return c
}

// Load reads overrides from the process environment.
func Load(ctx context.Context) (Config, error) {
	c := Config{}
	if err := envconfig.Process(ctx, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
