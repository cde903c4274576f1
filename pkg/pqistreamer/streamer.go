package pqistreamer

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/peerwire/netcore/pkg/bininterface"
	"github.com/peerwire/netcore/pkg/config"
)

// Notifier is an injected collaborator in place of a global
// notification-sink singleton: SysWarning for oversize frames, Alert for
// decode failures that leave the link open.
type Notifier interface {
	SysWarning(peer uuid.UUID, msg string)
	Alert(peer uuid.UUID, msg string)
}

// NopNotifier discards every notification; useful for tests.
type NopNotifier struct{}

func (NopNotifier) SysWarning(uuid.UUID, string) {}
func (NopNotifier) Alert(uuid.UUID, string)      {}

type readPhase int

const (
	readInitial readPhase = iota
	readHeaderRead
)

// Streamer is a single PqiStreamer: it owns exactly one BinInterface
// unless constructed with noDelete for tests.
type Streamer struct {
	mu sync.Mutex // streamerMtx: guards outCtrl, outData, pktWPending

	bin        bininterface.BinInterface
	serialiser Serialiser
	notify     Notifier
	peerID     uuid.UUID
	noDelete   bool

	cfg config.Config

	outCtrl      [][]byte
	outData      [][]byte
	pktWPending  []byte

	pktRPending        []byte
	readState          readPhase
	pendingHeader      BaseHeader
	filled             int
	failedReadAttempts int

	incomingMu sync.Mutex
	incoming   []NetItem

	sendBucket *tokenBucket
	recvBucket *tokenBucket

	warnLimiter rate.Sometimes
}

// Option configures a Streamer at construction time.
type Option func(*Streamer)

// WithNotifier overrides the default no-op Notifier.
func WithNotifier(n Notifier) Option { return func(s *Streamer) { s.notify = n } }

// WithNoDelete marks this Streamer as not owning bin — Close will not
// close it. Intended for tests that share a BinInterface across cases.
func WithNoDelete() Option { return func(s *Streamer) { s.noDelete = true } }

// WithSendRate sets the configured outbound rate cap in kB/s (0 =
// unmetered, subject to PQISTREAM_ABS_MAX).
func WithSendRate(kBPerSec int64) Option {
	return func(s *Streamer) { s.sendBucket.maxRate = kBPerSec }
}

// WithRecvRate sets the configured inbound rate cap in kB/s.
func WithRecvRate(kBPerSec int64) Option {
	return func(s *Streamer) { s.recvBucket.maxRate = kBPerSec }
}

// New constructs a Streamer over bin, serialising/deserialising NetItems
// with ser and tagging inbound items with peerID.
func New(cfg config.Config, bin bininterface.BinInterface, ser Serialiser, peerID uuid.UUID, opts ...Option) *Streamer {
	s := &Streamer{
		bin:        bin,
		serialiser: ser,
		peerID:     peerID,
		notify:     NopNotifier{},
		cfg:        cfg,
		pktRPending: make([]byte, cfg.MaxPacketSize),
		sendBucket: newTokenBucket(cfg, 0),
		recvBucket: newTokenBucket(cfg, 0),
		warnLimiter: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// QueueOutPqi serialises item and enqueues it onto out_ctrl or out_data
// depending on IsFileData. A serialisation failure is logged and the
// item dropped, but this always reports success to the caller: queueing
// is a best-effort, fire-and-forget operation from the caller's side.
func (s *Streamer) QueueOutPqi(ctx context.Context, item NetItem) {
	size := s.serialiser.Size(item)
	buf := make([]byte, size)
	n, err := s.serialiser.Serialise(item, buf)
	if err != nil {
		dlog.Errorf(ctx, "pqistreamer %s: serialise failed: %v", s.peerID, err)
		return
	}
	buf = buf[:n]

	s.mu.Lock()
	defer s.mu.Unlock()
	if item.IsFileData() {
		s.outData = append(s.outData, buf)
	} else {
		s.outCtrl = append(s.outCtrl, buf)
	}
}

// GetIncoming drains and returns every fully deserialised NetItem
// received since the last call.
func (s *Streamer) GetIncoming() []NetItem {
	s.incomingMu.Lock()
	defer s.incomingMu.Unlock()
	if len(s.incoming) == 0 {
		return nil
	}
	out := s.incoming
	s.incoming = nil
	return out
}

// Tick drives one pass of outgoing and incoming handling. The two halves
// touch disjoint state (outCtrl/outData/pktWPending vs. the inbound
// parser fields) and the underlying BinInterface tolerates concurrent
// SendData/ReadData calls (both funnel through TcpStream's own mutex),
// so they run concurrently via errgroup the way pkg/driver fans a tick
// pass out across streams.
func (s *Streamer) Tick(ctx context.Context, now time.Time) {
	s.bin.Tick(ctx, now)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.handleOutgoing(gctx, now); return nil })
	g.Go(func() error { s.handleIncoming(gctx, now); return nil })
	_ = g.Wait()
}

// Close drops both outbound queues and closes the owned BinInterface,
// aggregating any failures with hashicorp/go-multierror.
func (s *Streamer) Close(ctx context.Context) error {
	var result *multierror.Error

	s.mu.Lock()
	s.outCtrl = nil
	s.outData = nil
	s.pktWPending = nil
	s.mu.Unlock()

	if !s.noDelete {
		if err := s.bin.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing BinInterface"))
		}
	}
	return result.ErrorOrNil()
}
