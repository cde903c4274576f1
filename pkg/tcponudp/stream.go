// Package tcponudp implements a TCP-workalike reliable, ordered,
// bidirectional byte stream carried over an unreliable UDP datagram
// socket. The state machine, retransmission queue, RTT estimator and
// congestion control here are adapted from the simplified server-side
// TCP state machine in the telepresence virtual network interface's
// pkg/vif/tcp/handler.go, generalised from "packets over a TUN device"
// to "packets over a UdpLink" and from a fixed four-state close dance to
// a full eleven-state table.
package tcponudp

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/peerwire/netcore/pkg/clock"
	"github.com/peerwire/netcore/pkg/config"
	"github.com/peerwire/netcore/pkg/errkind"
)

// State is a TcpStream connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimedWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimedWait:
		return "TIMED_WAIT"
	default:
		return "UNKNOWN"
	}
}

// sentPacket is an entry of outPkt: an unacked outbound packet plus the
// local bookkeeping (send timestamp, retransmit count) kept off the
// wire.
type sentPacket struct {
	pkt     Packet
	ts      time.Time
	retrans int
}

// TcpStream is a single reliable stream to one peer. All exported methods
// are safe for concurrent use; a single mutex guards the entire struct.
type TcpStream struct {
	mu sync.Mutex

	cfg   config.Config
	clock clock.Clock
	link  UdpLink
	id    uuid.UUID

	noPartialRead bool

	peerAddr  net.Addr
	peerKnown bool
	state     State

	// send side
	outSeqno     uint32
	outAcked     uint32
	outWinSize   uint32
	outQueueSegs [][]byte
	outPending   []byte
	outPkt       []*sentPacket

	// receive side
	inAckno          uint32
	inWinSize        uint32
	inPktOOO         []Packet // out-of-order arrivals, sorted by Seqno
	inReassembleTail []byte
	inReadQueueSegs  [][]byte
	inReadPending    []byte
	lastAdvertisedAck uint32
	lastAdvertisedWin uint32

	// congestion
	congestWinSize   uint32
	congestThreshold uint32
	congestUpdate    uint32

	// timing
	rttEst         float64 // seconds
	rttDev         float64
	retransTimeout float64 // seconds
	lastSentTime   time.Time
	lastIncomingPkt time.Time

	ttl       int
	ttlStart  time.Time
	ttlEnd    time.Time

	// flags
	inStreamActive  bool
	outStreamActive bool
	errorState      error

	initOurSeqno   uint32
	initPeerSeqno  uint32
	finalSeq       uint32
	closeRequested bool

	rnd *rand.Rand

	warnLimiter rate.Sometimes
}

// NewTcpStream constructs a CLOSED stream bound to link. noPartialRead
// selects TCP_NO_PARTIAL_READ behaviour: a short read while the stream
// is still active is reported as EAGAIN instead of the partial byte
// count.
func NewTcpStream(cfg config.Config, clk clock.Clock, link UdpLink, noPartialRead bool) *TcpStream {
	return &TcpStream{
		cfg:              cfg,
		clock:            clk,
		link:             link,
		id:               uuid.New(),
		noPartialRead:    noPartialRead,
		state:            StateClosed,
		congestWinSize:   uint32(cfg.MaxSeg),
		congestThreshold: cfg.MaxWinSize,
		rttEst:           1.0,
		retransTimeout:   3.0,
		inWinSize:        cfg.MaxWinSize,
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano())),
		warnLimiter:      rate.Sometimes{Interval: 5 * time.Second},
	}
}

// ID returns the stream's debug/log-correlation id, analogous to the
// tunnel.ConnID telepresence tags every log line with.
func (s *TcpStream) ID() uuid.UUID { return s.id }

func (s *TcpStream) maxSeg() int { return s.cfg.MaxSeg }

// Connect actively opens the connection. connPeriod bounds the
// firewall-friendly TTL ramp.
func (s *TcpStream) Connect(ctx context.Context, peeraddr net.Addr, connPeriod time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		return errkind.New(errkind.WouldBlock, nil, "connect: stream already in progress")
	}
	now := s.clock.Now()
	s.peerAddr = peeraddr
	s.peerKnown = true
	s.initOurSeqno = uint32(s.rnd.Int31())
	s.outSeqno = s.initOurSeqno
	s.outAcked = s.initOurSeqno
	s.ttl = s.cfg.StdTTL
	s.ttlStart = now
	s.ttlEnd = now.Add(connPeriod)
	s.link.Register(peeraddr, s)
	s.setState(ctx, StateSynSent)
	s.sendSyn(ctx, now)
	return errkind.New(errkind.WouldBlock, nil, "connect in progress")
}

// ListenFor passively opens the connection: the stream locks peeraddr and
// waits in LISTEN until a SYN arrives.
func (s *TcpStream) ListenFor(peeraddr net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		return errkind.New(errkind.WouldBlock, nil, "listenfor: stream already in progress")
	}
	s.peerAddr = peeraddr
	s.peerKnown = true
	s.state = StateListen
	s.link.Register(peeraddr, s)
	return nil
}

// Write appends bytes to the send pipeline.
func (s *TcpStream) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return -1, errkind.New(errkind.Closed, nil, "write: stream closed")
	}
	if !s.outStreamActive && s.state != StateListen && s.state != StateSynSent && s.state != StateSynRcvd {
		return -1, errkind.New(errkind.Closed, nil, "write: output closed")
	}
	if s.state < StateEstablished {
		return -1, errkind.New(errkind.WouldBlock, nil, "write: not yet established")
	}
	if len(s.outQueueSegs) >= s.cfg.MaxQueueSize {
		return -1, errkind.New(errkind.WouldBlock, nil, "write: send queue full")
	}

	data := append(s.outPending, buf...)
	seg := s.maxSeg()
	for len(data) >= seg && len(s.outQueueSegs) < s.cfg.MaxQueueSize {
		cut := append([]byte(nil), data[:seg]...)
		s.outQueueSegs = append(s.outQueueSegs, cut)
		data = data[seg:]
	}
	s.outPending = data
	return len(buf), nil
}

// Read copies up to len(buf) bytes from the receive side.
func (s *TcpStream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return -1, errkind.New(errkind.Closed, nil, "read: stream closed")
	}

	requested := len(buf)
	available := s.availableToRead()

	if available == 0 {
		if !s.inStreamActive {
			return 0, nil
		}
		return -1, errkind.New(errkind.WouldBlock, nil, "read: no data available")
	}

	// TCP_NO_PARTIAL_READ behaviour: while the stream is still active,
	// never consume from the buffers unless we can fill the caller's
	// request in full — a partial consume-then-EAGAIN would silently
	// lose bytes on retry.
	if s.noPartialRead && available < requested && s.inStreamActive {
		return -1, errkind.New(errkind.WouldBlock, nil, "read: short read suppressed")
	}

	total := 0
	if len(s.inReadPending) > 0 {
		n := copy(buf, s.inReadPending)
		s.inReadPending = s.inReadPending[n:]
		buf = buf[n:]
		total += n
	}
	for len(buf) > 0 && len(s.inReadQueueSegs) > 0 {
		head := s.inReadQueueSegs[0]
		n := copy(buf, head)
		total += n
		if n == len(head) {
			s.inReadQueueSegs = s.inReadQueueSegs[1:]
		} else {
			s.inReadQueueSegs[0] = head[n:]
		}
		buf = buf[n:]
	}
	s.recalcInWindow()
	return total, nil
}

func (s *TcpStream) availableToRead() int {
	n := len(s.inReadPending)
	for _, seg := range s.inReadQueueSegs {
		n += len(seg)
	}
	return n
}

// Close performs a graceful close: FIN is sent once both send queues are
// empty.
func (s *TcpStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

func (s *TcpStream) closeLocked(ctx context.Context) error {
	dlog.Debugf(ctx, "stream %s: close requested from state %s", s.id, s.state)
	s.outStreamActive = false
	switch s.state {
	case StateEstablished:
		if s.sendQueuesEmpty() {
			s.setState(ctx, StateFinWait1)
			s.sendFin(ctx)
		} else {
			s.closeRequested = true
		}
	case StateCloseWait:
		if s.sendQueuesEmpty() {
			s.setState(ctx, StateLastAck)
			s.sendFin(ctx)
		} else {
			s.closeRequested = true
		}
	case StateSynSent, StateSynRcvd, StateListen:
		s.cleanup(ctx)
	}
	return nil
}

func (s *TcpStream) sendQueuesEmpty() bool {
	return len(s.outQueueSegs) == 0 && len(s.outPending) == 0
}

// ResetConn performs an immediate ungraceful close, sending RST.
func (s *TcpStream) ResetConn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.sendRst(ctx)
	s.cleanup(ctx)
	return nil
}

// IsActive reports whether the stream currently believes it has a live
// peer (used by BinInterface.isactive()).
func (s *TcpStream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateClosed
}

// ErrorState returns the last recorded connection-failure cause, if any.
func (s *TcpStream) ErrorState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorState
}
