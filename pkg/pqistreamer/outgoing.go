package pqistreamer

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/peerwire/netcore/pkg/errkind"
	"github.com/peerwire/netcore/pkg/metrics"
)

// handleOutgoing drains the outbound queues: drop everything if the link
// is inactive, otherwise work through them with a control-first bias
// under a token-bucket budget, honouring the exact-retry property for
// short writes.
func (s *Streamer) handleOutgoing(ctx context.Context, now time.Time) {
	if !s.bin.IsActive() {
		s.mu.Lock()
		s.outCtrl = nil
		s.outData = nil
		s.pktWPending = nil
		s.mu.Unlock()
		return
	}

	maxbytes := s.sendBucket.allowed(now, s.bin.BandwidthLimited())
	var sent int64

	for sent < maxbytes {
		buf := s.nextOutboundBuffer()
		if buf == nil {
			return
		}

		n, err := s.bin.SendData(buf)
		if err != nil && errkind.Of(err) != errkind.WouldBlock {
			dlog.Errorf(ctx, "pqistreamer %s: send error: %v", s.peerID, err)
			s.mu.Lock()
			s.pktWPending = buf
			s.mu.Unlock()
			return
		}
		if n != len(buf) {
			// Short write, or would-block (n<=0): keep the exact same
			// bytes for retry on the next tick.
			s.mu.Lock()
			s.pktWPending = buf
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.pktWPending = nil
		s.mu.Unlock()
		sent += int64(n)
		s.sendBucket.onTransferred(now, int64(n))
		metrics.StreamRateBytesPerSec.WithLabelValues(s.peerID.String(), "send").Set(s.sendBucket.publishedRate())
	}
}

// nextOutboundBuffer returns pkt_wpending if set, else the head of
// out_ctrl, else the head of out_data, else nil if both queues are empty.
func (s *Streamer) nextOutboundBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pktWPending != nil {
		return s.pktWPending
	}
	if len(s.outCtrl) > 0 {
		buf := s.outCtrl[0]
		s.outCtrl = s.outCtrl[1:]
		return buf
	}
	if len(s.outData) > 0 {
		buf := s.outData[0]
		s.outData = s.outData[1:]
		return buf
	}
	return nil
}
