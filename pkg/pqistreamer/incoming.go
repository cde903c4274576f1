package pqistreamer

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/peerwire/netcore/pkg/errkind"
	"github.com/peerwire/netcore/pkg/metrics"
)

// handleIncoming drives the resumable two-phase frame parser: INITIAL
// reads the fixed base header, HEADER_READ reads the remainder of the
// frame once the total length is known. Both phases
// tolerate a would-block ReadData (0, nil) by simply returning to be
// resumed on the next tick; a short-but-positive read is a protocol
// violation from the BinInterface and is treated as fatal.
func (s *Streamer) handleIncoming(ctx context.Context, now time.Time) {
	if !s.bin.IsActive() {
		return
	}

	maxbytes := s.recvBucket.allowed(now, s.bin.BandwidthLimited())
	var read int64

	for read < maxbytes {
		n, done := s.readOneFrame(ctx)
		read += int64(n)
		if n > 0 {
			s.recvBucket.onTransferred(now, int64(n))
			metrics.StreamRateBytesPerSec.WithLabelValues(s.peerID.String(), "recv").Set(s.recvBucket.publishedRate())
		}
		if done {
			return
		}
	}
}

// readOneFrame advances the parser by at most one ReadData call. It
// returns the number of bytes consumed and whether the caller should
// stop polling this tick (would-block, or an error or oversize frame
// closed the link). A completed frame does not stop polling.
func (s *Streamer) readOneFrame(ctx context.Context) (int, bool) {
	switch s.readState {
	case readInitial:
		return s.readHeaderPhase(ctx)
	case readHeaderRead:
		return s.readBodyPhase(ctx)
	default:
		return 0, true
	}
}

func (s *Streamer) readHeaderPhase(ctx context.Context) (int, bool) {
	buf := make([]byte, BaseHeaderSize)
	n, err := s.bin.ReadData(buf)
	if err != nil {
		s.fatalReadError(ctx, err)
		return 0, true
	}
	if n == 0 {
		return 0, true // would-block: resume next tick
	}
	if n != BaseHeaderSize {
		s.fatalReadError(ctx, errkind.New(errkind.DecodeFailure, nil, "short base header read"))
		return n, true
	}

	hdr := DecodeBaseHeader(buf)
	if int(hdr.TotalLen) > len(s.pktRPending) || hdr.TotalLen < BaseHeaderSize {
		s.warnLimiter.Do(func() {
			dlog.Errorf(ctx, "pqistreamer %s: oversize frame declared (%d bytes)", s.peerID, hdr.TotalLen)
		})
		metrics.OversizePacketTotal.WithLabelValues(s.peerID.String()).Inc()
		s.notify.SysWarning(s.peerID, "oversize frame from peer, closing link")
		_ = s.bin.Close(ctx)
		return n, true
	}

	s.pendingHeader = hdr
	copy(s.pktRPending[:BaseHeaderSize], buf)
	s.filled = BaseHeaderSize
	s.failedReadAttempts = 0

	if hdr.TotalLen == BaseHeaderSize {
		s.deliverFrame(ctx)
		return n, false
	}
	s.readState = readHeaderRead
	return n, false
}

func (s *Streamer) readBodyPhase(ctx context.Context) (int, bool) {
	remaining := int(s.pendingHeader.TotalLen) - s.filled
	buf := make([]byte, remaining)
	n, err := s.bin.ReadData(buf)
	if err != nil {
		s.fatalReadError(ctx, err)
		return 0, true
	}
	if n == 0 {
		s.failedReadAttempts++
		if s.failedReadAttempts > s.cfg.MaxFailedReadAttempts {
			s.warnLimiter.Do(func() {
				dlog.Errorf(ctx, "pqistreamer %s: too many stalled reads mid-frame, closing link", s.peerID)
			})
			s.notify.SysWarning(s.peerID, "stalled mid-frame read, closing link")
			_ = s.bin.Close(ctx)
			return 0, true
		}
		return 0, true // would-block: resume next tick
	}
	if n != remaining {
		s.fatalReadError(ctx, errkind.New(errkind.DecodeFailure, nil, "short frame body read"))
		return n, true
	}

	copy(s.pktRPending[s.filled:s.filled+n], buf)
	s.filled += n
	s.deliverFrame(ctx)
	return n, false
}

// deliverFrame deserialises the completed frame in pktRPending, tags it
// with the peer id if the item supports it, and enqueues it for
// GetIncoming, then resets the parser to INITIAL.
func (s *Streamer) deliverFrame(ctx context.Context) {
	frame := make([]byte, s.pendingHeader.TotalLen)
	copy(frame, s.pktRPending[:s.pendingHeader.TotalLen])

	s.readState = readInitial
	s.filled = 0
	s.failedReadAttempts = 0
	s.pendingHeader = BaseHeader{}

	item, err := s.serialiser.Deserialise(frame)
	if err != nil {
		s.warnLimiter.Do(func() {
			dlog.Errorf(ctx, "pqistreamer %s: deserialise failed: %v", s.peerID, err)
		})
		metrics.DecodeFailureTotal.WithLabelValues(s.peerID.String()).Inc()
		s.notify.Alert(s.peerID, "failed to decode incoming frame")
		return
	}
	if tagged, ok := item.(PeerTagged); ok {
		tagged.SetPeerID(s.peerID)
	}

	s.incomingMu.Lock()
	s.incoming = append(s.incoming, item)
	s.incomingMu.Unlock()
}

func (s *Streamer) fatalReadError(ctx context.Context, err error) {
	dlog.Errorf(ctx, "pqistreamer %s: read error: %v", s.peerID, err)
	s.notify.SysWarning(s.peerID, "read error, closing link")
	_ = s.bin.Close(ctx)
}
