// Package bininterface defines the byte-stream façade PqiStreamer depends
// on and a concrete adapter over *tcponudp.TcpStream.
package bininterface

import (
	"context"
	"time"

	"github.com/peerwire/netcore/pkg/errkind"
	"github.com/peerwire/netcore/pkg/tcponudp"
)

// BinInterface is the minimal contract PqiStreamer requires from an
// underlying byte stream. senddata must honour the "exact retry"
// property: when it reports a partial write, the next call must be made
// with the same bytes starting at offset 0 of the retry buffer.
type BinInterface interface {
	// SendData attempts to write buf. Returns the number of bytes
	// accepted, or -1 with a WouldBlock-kind error if none were.
	SendData(buf []byte) (int, error)

	// ReadData attempts to fill buf completely. Returns len(buf) on
	// success, 0 on would-block, or a negative count with a fatal
	// error.
	ReadData(buf []byte) (int, error)

	// IsActive reports whether the underlying transport still
	// considers itself connected.
	IsActive() bool

	// BandwidthLimited reports whether this interface enforces a rate
	// cap (some transports, e.g. loopback, never do).
	BandwidthLimited() bool

	// MoreToRead hints whether a subsequent ReadData call is likely to
	// return data without blocking.
	MoreToRead() bool

	// Close tears down the underlying transport.
	Close(ctx context.Context) error

	// Tick drives the underlying transport's periodic work.
	Tick(ctx context.Context, now time.Time)
}

// TcpBinInterface adapts a *tcponudp.TcpStream to BinInterface.
type TcpBinInterface struct {
	Stream           *tcponudp.TcpStream
	BandwidthCapSet  bool
}

// NewTcpBinInterface wraps stream. bandwidthLimited controls the return
// value of BandwidthLimited(), set by the embedder based on whether a
// non-zero rate was configured for this peer.
//
// stream must have been constructed with noPartialRead=true: ReadData's
// contract (len(buf) on success, 0 on would-block) only holds if the
// underlying TcpStream never hands back a short, consuming read.
func NewTcpBinInterface(stream *tcponudp.TcpStream, bandwidthLimited bool) *TcpBinInterface {
	return &TcpBinInterface{Stream: stream, BandwidthCapSet: bandwidthLimited}
}

func (b *TcpBinInterface) SendData(buf []byte) (int, error) {
	n, err := b.Stream.Write(buf)
	if err != nil && errkind.Of(err) != errkind.WouldBlock {
		return -1, err
	}
	return n, err
}

func (b *TcpBinInterface) ReadData(buf []byte) (int, error) {
	n, err := b.Stream.Read(buf)
	if err == nil {
		return n, nil
	}
	if errkind.Of(err) == errkind.WouldBlock {
		return 0, nil
	}
	if n == 0 {
		return 0, nil
	}
	return -1, err
}

func (b *TcpBinInterface) IsActive() bool { return b.Stream.IsActive() }

func (b *TcpBinInterface) BandwidthLimited() bool { return b.BandwidthCapSet }

// MoreToRead is conservative: PqiStreamer re-checks via ReadData's own
// would-block return, so MoreToRead simply mirrors IsActive.
func (b *TcpBinInterface) MoreToRead() bool { return b.Stream.IsActive() }

func (b *TcpBinInterface) Close(ctx context.Context) error {
	return b.Stream.Close(ctx)
}

func (b *TcpBinInterface) Tick(ctx context.Context, now time.Time) {
	b.Stream.Tick(ctx, now)
}
