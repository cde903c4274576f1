package tcponudp

import (
	"context"
	"math"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/peerwire/netcore/pkg/errkind"
	"github.com/peerwire/netcore/pkg/metrics"
)

const rttAlpha = 0.875

// Tick drives recv_check/acknowledge/retrans/send, the single periodic
// pass each stream needs. Must be invoked periodically by the embedder
// (see pkg/driver).
func (s *TcpStream) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.checkIdleTimeout(ctx, now)
	if s.state == StateClosed {
		return
	}
	s.acknowledge(now)
	s.retrans(ctx, now)
	if s.state == StateClosed {
		return
	}
	s.maybeSendDeferredFin(ctx)
	s.send(ctx, now)
	s.sendKeepaliveIfIdle(ctx, now)
	s.publishMetrics()
}

func (s *TcpStream) peerLabel() string {
	if s.peerAddr != nil {
		return s.peerAddr.String()
	}
	return s.id.String()
}

func (s *TcpStream) publishMetrics() {
	p := s.peerLabel()
	metrics.CongestWinSize.WithLabelValues(p).Set(float64(s.congestWinSize))
	metrics.RTTEstimate.WithLabelValues(p).Set(s.rttEst)
	metrics.QueueDepth.WithLabelValues(p, "outQueue").Set(float64(len(s.outQueueSegs)))
	metrics.QueueDepth.WithLabelValues(p, "inQueue").Set(float64(len(s.inReadQueueSegs)))
	metrics.QueueDepth.WithLabelValues(p, "inPkt").Set(float64(len(s.inPktOOO)))
}

func (s *TcpStream) checkIdleTimeout(ctx context.Context, now time.Time) {
	if s.state <= StateSynRcvd {
		return
	}
	if s.lastIncomingPkt.IsZero() {
		s.lastIncomingPkt = now
		return
	}
	if now.Sub(s.lastIncomingPkt) > s.cfg.NoPktTimeout {
		dlog.Debugf(ctx, "stream %s: no datagram for %s, forcing CLOSED", s.id, s.cfg.NoPktTimeout)
		s.errorState = errkind.New(errkind.ConnectionFailed, nil, "idle timeout")
		metrics.ConnectionFailures.WithLabelValues(s.peerLabel(), "idle-timeout").Inc()
		s.cleanup(ctx)
	}
}

// acknowledge walks outPkt from the head, removing packets fully covered
// by outAcked and updating the Jacobson RTT estimators.
func (s *TcpStream) acknowledge(now time.Time) {
	for len(s.outPkt) > 0 {
		head := s.outPkt[0]
		consumed := uint32(len(head.pkt.Data))
		if head.pkt.Flags.has(FlagSYN) || head.pkt.Flags.has(FlagFIN) {
			consumed++
		}
		if consumed == 0 {
			consumed = 1
		}
		if !SeqLessEq(head.pkt.Seqno+consumed, s.outAcked) {
			break
		}
		s.outPkt = s.outPkt[1:]

		if head.retrans == 0 {
			m := now.Sub(head.ts).Seconds()
			if m < 0 {
				m = 0
			}
			s.rttEst = rttAlpha*s.rttEst + (1-rttAlpha)*m
			s.rttDev = rttAlpha*s.rttDev + (1-rttAlpha)*math.Abs(s.rttEst-m)
			s.retransTimeout = s.rttEst + 4*s.rttDev
		} else {
			// Karn's algorithm: no RTT sample from a retransmitted
			// segment, but a clean ack resets the backoff.
			s.retransTimeout = s.rttEst + 4*s.rttDev
		}

		s.maybeGrowCongestionWindow()
	}
}

func (s *TcpStream) maybeGrowCongestionWindow() {
	if !SeqLessEq(s.congestUpdate, s.outAcked) {
		return
	}
	seg := uint32(s.cfg.MaxSeg)
	if s.congestWinSize < s.congestThreshold {
		s.congestWinSize *= 2 // slow start: exponential growth per acked window
	} else {
		s.congestWinSize += seg // additive increase: +MSS per window
	}
	if s.congestWinSize > s.cfg.MaxWinSize {
		s.congestWinSize = s.cfg.MaxWinSize
	}
	s.congestUpdate = s.outAcked + s.congestWinSize
}

// retrans walks outPkt resending anything whose retransTimeout has
// elapsed, applying multiplicative congestion backoff on the first
// retransmission of a pass.
func (s *TcpStream) retrans(ctx context.Context, now time.Time) {
	firstRetransThisPass := true
	for _, sp := range s.outPkt {
		if now.Sub(sp.ts).Seconds() <= s.retransTimeout {
			continue
		}
		if firstRetransThisPass {
			firstRetransThisPass = false
			s.congestThreshold = s.congestWinSize / 2
			if s.congestThreshold < uint32(s.cfg.MaxSeg) {
				s.congestThreshold = uint32(s.cfg.MaxSeg)
			}
			s.congestWinSize = uint32(s.cfg.MaxSeg)
			s.congestUpdate = s.outAcked + s.congestWinSize
		}
		if SeqLess(s.outAcked+s.congestWinSize, sp.pkt.Seqno) {
			// Preserve in-order constraint: stop this pass here.
			break
		}

		isSyn := sp.pkt.Flags.has(FlagSYN)
		retransCap := s.cfg.MaxPktRetransmit
		if isSyn && s.ttl < s.cfg.StdTTL {
			retransCap = s.cfg.MaxSynPktRetransmit
		}
		if sp.retrans >= retransCap {
			dlog.Errorf(ctx, "stream %s: seq %d retransmitted %d times, giving up", s.id, sp.pkt.Seqno, sp.retrans)
			s.errorState = errkind.New(errkind.ConnectionFailed, nil, "retransmit cap exceeded")
			metrics.ConnectionFailures.WithLabelValues(s.peerLabel(), "retransmit-cap").Inc()
			s.cleanup(ctx)
			return
		}

		if isSyn {
			s.advanceSynTTL(now)
		}
		sp.retrans++
		sp.ts = now
		s.retransTimeout *= 2
		metrics.RetransmitTotal.WithLabelValues(s.peerLabel()).Inc()
		s.writePacket(ctx, sp.pkt, s.ttlFor(sp.pkt))
	}
}

func (s *TcpStream) advanceSynTTL(now time.Time) {
	if now.Before(s.ttlEnd) {
		s.ttl = s.cfg.FirewallTTL
		return
	}
	if s.ttl < s.cfg.StdTTL {
		s.ttl++
	}
}

func (s *TcpStream) ttlFor(pkt Packet) int {
	if pkt.Flags.has(FlagSYN) {
		return s.ttl
	}
	return s.cfg.StdTTL
}

// inTransit returns the number of bytes sent but not yet acked.
func (s *TcpStream) inTransit() uint32 {
	return s.outSeqno - s.outAcked
}

// effectiveSendWindow returns how many more bytes may be placed on the
// wire right now.
func (s *TcpStream) effectiveSendWindow() uint32 {
	win := s.congestWinSize
	if s.outWinSize < win {
		win = s.outWinSize
	}
	it := s.inTransit()
	if it >= win {
		return 0
	}
	return win - it
}

// send cuts segments from outQueueSegs (and finally outPending) while the
// effective window permits.
func (s *TcpStream) send(ctx context.Context, now time.Time) {
	if s.state != StateEstablished && s.state != StateCloseWait {
		return
	}
	for {
		window := s.effectiveSendWindow()
		if window == 0 {
			return
		}
		var data []byte
		if len(s.outQueueSegs) > 0 {
			data = s.outQueueSegs[0]
			if uint32(len(data)) > window {
				return
			}
			s.outQueueSegs = s.outQueueSegs[1:]
		} else if len(s.outPending) > 0 {
			n := len(s.outPending)
			if uint32(n) > window {
				n = int(window)
			}
			data = s.outPending[:n]
			s.outPending = s.outPending[n:]
		} else {
			return
		}
		s.sendDataSegment(ctx, now, data)
	}
}

func (s *TcpStream) sendDataSegment(ctx context.Context, now time.Time, data []byte) {
	pkt := Packet{
		Seqno: s.outSeqno,
		Flags: FlagACK,
		Data:  data,
	}
	s.outSeqno += uint32(len(data))
	s.trackAndWrite(ctx, now, pkt)
}

// trackAndWrite pushes pkt onto outPkt (unless it carries no SYN/FIN/data,
// in which case it's a pure ACK and isn't tracked for retransmission) and
// writes it to the link.
func (s *TcpStream) trackAndWrite(ctx context.Context, now time.Time, pkt Packet) {
	tracked := len(pkt.Data) > 0 || pkt.Flags.has(FlagSYN) || pkt.Flags.has(FlagFIN)
	pkt.Ackno = s.inAckno
	pkt.WinSize = s.recalcInWindow()
	s.writePacket(ctx, pkt, s.ttlFor(pkt))
	if tracked {
		s.outPkt = append(s.outPkt, &sentPacket{pkt: pkt, ts: now})
	}
	s.lastSentTime = now
	s.lastAdvertisedAck = pkt.Ackno
	s.lastAdvertisedWin = pkt.WinSize
}

// writePacket is the single place that serialises and hands a packet to
// the UdpLink. The advertised-ack bookkeeping above is captured from
// the packet actually handed to writePacket, not before it, so a race
// between window shrink and send can never advertise a stale value.
func (s *TcpStream) writePacket(ctx context.Context, pkt Packet, ttl int) {
	if !s.peerKnown {
		return
	}
	buf := pkt.Encode()
	if _, err := s.link.SendPkt(ctx, buf, s.peerAddr, ttl); err != nil {
		dlog.Debugf(ctx, "stream %s: send error: %v", s.id, err)
	}
}

// recalcInWindow recomputes and returns our advertised receive window
// from the amount of unread data we're holding.
func (s *TcpStream) recalcInWindow() uint32 {
	queued := uint64(len(s.inReadPending))
	queued += uint64(len(s.inReadQueueSegs)) * uint64(s.cfg.MaxSeg)
	queued += uint64(len(s.inReassembleTail))
	win := uint64(s.cfg.MaxWinSize)
	if queued >= win {
		s.inWinSize = 0
	} else {
		s.inWinSize = uint32(win - queued)
	}
	return s.inWinSize
}

// maybeSendDeferredFin sends the FIN that closeLocked couldn't send
// immediately because data was still queued.
func (s *TcpStream) maybeSendDeferredFin(ctx context.Context) {
	if !s.closeRequested || !s.sendQueuesEmpty() {
		return
	}
	s.closeRequested = false
	switch s.state {
	case StateEstablished:
		s.setState(ctx, StateFinWait1)
		s.sendFin(ctx)
	case StateCloseWait:
		s.setState(ctx, StateLastAck)
		s.sendFin(ctx)
	}
}

func (s *TcpStream) sendKeepaliveIfIdle(ctx context.Context, now time.Time) {
	if s.state != StateEstablished && s.state != StateCloseWait {
		return
	}
	win := s.recalcInWindow()
	grewFromLow := s.lastAdvertisedWin < uint32(s.cfg.MaxSeg) && win >= s.lastAdvertisedWin+4*uint32(s.cfg.MaxSeg)
	ackStale := s.lastAdvertisedAck != s.inAckno
	idle := s.lastSentTime.IsZero() || now.Sub(s.lastSentTime) >= s.cfg.KeepAliveTimeout
	if ackStale || grewFromLow || idle {
		s.sendAck(ctx, now)
	}
}

func (s *TcpStream) sendAck(ctx context.Context, now time.Time) {
	pkt := Packet{Seqno: s.outSeqno, Flags: FlagACK}
	s.trackAndWrite(ctx, now, pkt)
}

func (s *TcpStream) sendSyn(ctx context.Context, now time.Time) {
	pkt := Packet{Seqno: s.outSeqno, Flags: FlagSYN}
	s.outSeqno++
	s.trackAndWrite(ctx, now, pkt)
}

func (s *TcpStream) sendSynAck(ctx context.Context, now time.Time) {
	pkt := Packet{Seqno: s.outSeqno, Flags: FlagSYN | FlagACK}
	s.outSeqno++
	s.trackAndWrite(ctx, now, pkt)
}

func (s *TcpStream) sendFin(ctx context.Context) {
	now := s.clock.Now()
	pkt := Packet{Seqno: s.outSeqno, Flags: FlagFIN | FlagACK}
	s.finalSeq = s.outSeqno + 1
	s.outSeqno++
	s.trackAndWrite(ctx, now, pkt)
}

func (s *TcpStream) sendRst(ctx context.Context) {
	pkt := Packet{Seqno: s.outSeqno, Flags: FlagRST}
	s.writePacket(ctx, pkt, s.cfg.StdTTL)
}

// cleanup frees every queue and the pending write buffer, and transitions
// to CLOSED.
func (s *TcpStream) cleanup(ctx context.Context) {
	if s.state == StateClosed {
		return
	}
	dlog.Debugf(ctx, "stream %s: cleanup from state %s", s.id, s.state)
	s.state = StateClosed
	s.outQueueSegs = nil
	s.outPending = nil
	s.outPkt = nil
	s.inPktOOO = nil
	s.inReassembleTail = nil
	s.inReadQueueSegs = nil
	s.inReadPending = nil
	s.inStreamActive = false
	s.outStreamActive = false
	if s.peerAddr != nil {
		s.link.Unregister(s.peerAddr)
	}
}
