package tcponudp

import (
	"context"
	"sort"

	"github.com/datawire/dlib/dlog"
)

// RecvPkt is invoked by the UdpLink on datagram arrival (implements
// Receiver). The whole packet, RST included, is processed under the
// single stream mutex.
func (s *TcpStream) RecvPkt(ctx context.Context, buf []byte) {
	pkt, ok := DecodePacket(buf)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIncomingPkt = s.clock.Now()

	if pkt.Flags.has(FlagRST) {
		dlog.Debugf(ctx, "stream %s: stopped by incoming RST", s.id)
		s.cleanup(ctx)
		return
	}

	s.ingestAck(pkt)

	switch s.state {
	case StateClosed, StateTimedWait:
		// Stray packet or duplicate; ignore.
		return
	case StateListen:
		s.handleListen(ctx, pkt)
	case StateSynSent:
		s.handleSynSent(ctx, pkt)
	case StateSynRcvd:
		s.handleSynRcvd(ctx, pkt)
	default:
		s.handleEstablishedFamily(ctx, pkt)
	}
}

// ingestAck applies the ack number and peer window from any packet
// carrying ACK, regardless of state, and calls acknowledge() so RTT/
// congestion bookkeeping reacts immediately rather than waiting for the
// next tick.
func (s *TcpStream) ingestAck(pkt Packet) {
	if !pkt.Flags.has(FlagACK) {
		return
	}
	if SeqLess(s.outAcked, pkt.Ackno) || pkt.Ackno == s.outAcked {
		s.outAcked = pkt.Ackno
	}
	s.outWinSize = pkt.WinSize
	s.acknowledge(s.clock.Now())
}

func (s *TcpStream) handleListen(ctx context.Context, pkt Packet) {
	if !pkt.Flags.has(FlagSYN) {
		return
	}
	now := s.clock.Now()
	s.initPeerSeqno = pkt.Seqno
	s.inAckno = pkt.Seqno + 1
	s.initOurSeqno = uint32(s.rnd.Int31())
	s.outSeqno = s.initOurSeqno
	s.outAcked = s.initOurSeqno
	s.ttl = s.cfg.StdTTL
	s.setState(ctx, StateSynRcvd)
	s.sendSynAck(ctx, now)
}

func (s *TcpStream) handleSynSent(ctx context.Context, pkt Packet) {
	now := s.clock.Now()
	switch {
	case pkt.Flags.has(FlagSYN) && pkt.Flags.has(FlagACK) && pkt.Ackno == s.outSeqno:
		s.initPeerSeqno = pkt.Seqno
		s.inAckno = pkt.Seqno + 1
		s.setState(ctx, StateEstablished)
		s.activateStreams()
		s.sendAck(ctx, now)
	case pkt.Flags.has(FlagSYN):
		// Simultaneous open.
		s.initPeerSeqno = pkt.Seqno
		s.inAckno = pkt.Seqno + 1
		s.setState(ctx, StateSynRcvd)
		s.sendSynAck(ctx, now)
	}
}

func (s *TcpStream) handleSynRcvd(ctx context.Context, pkt Packet) {
	if !pkt.Flags.has(FlagACK) || pkt.Ackno != s.outSeqno {
		return
	}
	// inAckno must reflect any data carried on this very packet, not
	// just the SYN's sequence number, since we do not re-enter this
	// handler for the same packet.
	s.setState(ctx, StateEstablished)
	s.activateStreams()
	if len(pkt.Data) > 0 {
		s.handleEstablishedFamily(ctx, pkt)
	}
}

func (s *TcpStream) activateStreams() {
	s.inStreamActive = true
	s.outStreamActive = true
}

// handleEstablishedFamily routes inbound processing for ESTABLISHED and
// every state that shares its post-handshake processing (FIN_WAIT_1,
// FIN_WAIT_2, CLOSING, CLOSE_WAIT, LAST_ACK).
func (s *TcpStream) handleEstablishedFamily(ctx context.Context, pkt Packet) {
	if !pkt.Flags.has(FlagACK) && !pkt.Flags.has(FlagFIN) {
		return
	}
	switch {
	case pkt.Seqno == s.inAckno:
		s.handleSeqEQ(ctx, pkt)
	case SeqLess(s.inAckno, pkt.Seqno):
		s.handleSeqGT(ctx, pkt)
	default:
		s.handleSeqLT(ctx, pkt)
	}
}

func (s *TcpStream) handleSeqEQ(ctx context.Context, pkt Packet) {
	now := s.clock.Now()
	if len(pkt.Data) > 0 {
		s.deliver(pkt.Data)
		s.inAckno = pkt.Seqno + uint32(len(pkt.Data))
		s.drainOutOfOrder()
		s.sendAck(ctx, now)
		return
	}
	if pkt.Flags.has(FlagFIN) {
		s.inAckno = pkt.Seqno + 1
		switch s.state {
		case StateEstablished:
			s.setState(ctx, StateCloseWait)
			s.inStreamActive = false
			s.sendAck(ctx, now)
		case StateFinWait1:
			s.sendAck(ctx, now)
			if pkt.Flags.has(FlagACK) && pkt.Ackno == s.finalSeq {
				s.setState(ctx, StateTimedWait)
				s.cleanup(ctx)
			} else {
				s.setState(ctx, StateClosing)
			}
		case StateFinWait2:
			s.setState(ctx, StateTimedWait)
			s.sendAck(ctx, now)
			s.cleanup(ctx)
		}
		return
	}
	// Pure ACK, already applied by ingestAck; handle state transitions
	// that key off it.
	switch s.state {
	case StateLastAck:
		if pkt.Ackno == s.finalSeq {
			s.cleanup(ctx)
		}
	case StateClosing:
		if pkt.Ackno == s.finalSeq {
			s.setState(ctx, StateTimedWait)
			s.cleanup(ctx)
		}
	case StateFinWait1:
		if pkt.Ackno == s.finalSeq {
			s.setState(ctx, StateFinWait2)
		}
	}
}

func (s *TcpStream) handleSeqGT(ctx context.Context, pkt Packet) {
	if len(pkt.Data) == 0 {
		return
	}
	s.addOutOfOrder(pkt)
	s.sendAck(ctx, s.clock.Now())
}

func (s *TcpStream) handleSeqLT(ctx context.Context, pkt Packet) {
	// Already-acknowledged resend, or a keepalive probe; in both cases
	// a fresh ACK lets the peer recover if its previous one was lost.
	s.sendAck(ctx, s.clock.Now())
}

// deliver appends data to the read side, cutting full segments into
// inReadQueueSegs the way inData/inQueue work on the send side.
func (s *TcpStream) deliver(data []byte) {
	tail := append(s.inReassembleTail, data...)
	seg := s.maxSeg()
	for len(tail) >= seg && len(s.inReadQueueSegs) < s.cfg.MaxQueueSize {
		s.inReadQueueSegs = append(s.inReadQueueSegs, append([]byte(nil), tail[:seg]...))
		tail = tail[seg:]
	}
	if len(s.inReadQueueSegs) >= s.cfg.MaxQueueSize && len(tail) >= seg {
		// Backstop only: recalcInWindow should already have closed the
		// peer's window before this can happen in practice.
		s.inReassembleTail = tail
		return
	}
	s.inReassembleTail = tail
	if len(tail) > 0 && len(s.inReadQueueSegs) == 0 {
		s.inReadPending = append(s.inReadPending, tail...)
		s.inReassembleTail = nil
	}
}

// addOutOfOrder inserts pkt into inPktOOO sorted by Seqno, capped at
// MaxQueueSize with the head dropped on overflow.
func (s *TcpStream) addOutOfOrder(pkt Packet) {
	for _, p := range s.inPktOOO {
		if p.Seqno == pkt.Seqno {
			return
		}
	}
	s.inPktOOO = append(s.inPktOOO, pkt)
	sort.Slice(s.inPktOOO, func(i, j int) bool { return SeqLess(s.inPktOOO[i].Seqno, s.inPktOOO[j].Seqno) })
	if len(s.inPktOOO) > s.cfg.MaxQueueSize {
		s.inPktOOO = s.inPktOOO[1:]
	}
}

// drainOutOfOrder delivers any buffered packets that are now contiguous
// with inAckno, after an in-order arrival closes the gap.
func (s *TcpStream) drainOutOfOrder() {
	for len(s.inPktOOO) > 0 && s.inPktOOO[0].Seqno == s.inAckno {
		p := s.inPktOOO[0]
		s.inPktOOO = s.inPktOOO[1:]
		s.deliver(p.Data)
		s.inAckno = p.Seqno + uint32(len(p.Data))
	}
}

// setState validates and applies a state transition, logging but
// refusing illegal transitions rather than panicking — grounded in the
// teacher's setState/illegalStateTransition pair.
func (s *TcpStream) setState(ctx context.Context, to State) {
	if !validTransition(s.state, to) {
		s.warnLimiter.Do(func() {
			dlog.Errorf(ctx, "stream %s: illegal state transition %s -> %s", s.id, s.state, to)
		})
		return
	}
	dlog.Debugf(ctx, "stream %s: state %s -> %s", s.id, s.state, to)
	s.state = to
}

func validTransition(from, to State) bool {
	switch from {
	case StateClosed:
		return to == StateListen || to == StateSynSent
	case StateListen:
		return to == StateSynRcvd || to == StateSynSent || to == StateListen || to == StateClosed
	case StateSynSent:
		return to == StateSynRcvd || to == StateEstablished || to == StateClosed
	case StateSynRcvd:
		return to == StateEstablished || to == StateFinWait1 || to == StateClosed
	case StateEstablished:
		return to == StateCloseWait || to == StateFinWait1
	case StateFinWait1:
		return to == StateClosing || to == StateFinWait2 || to == StateTimedWait
	case StateFinWait2:
		return to == StateTimedWait
	case StateClosing:
		return to == StateTimedWait
	case StateCloseWait:
		return to == StateLastAck
	case StateLastAck:
		return to == StateClosed
	case StateTimedWait:
		return to == StateClosed
	}
	return false
}
