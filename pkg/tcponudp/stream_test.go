package tcponudp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerwire/netcore/pkg/clock"
	"github.com/peerwire/netcore/pkg/config"
	"github.com/peerwire/netcore/pkg/errkind"
)

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

type testPair struct {
	clk          *clock.Virtual
	cfg          config.Config
	clientLink   *TestLink
	serverLink   *TestLink
	client       *TcpStream
	server       *TcpStream
	clientAddr   net.Addr
	serverAddr   net.Addr
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewVirtual(time.Unix(1700000000, 0))

	clientAddr := testAddr(40001)
	serverAddr := testAddr(40002)

	clientLink := NewTestLink(clientAddr)
	serverLink := NewTestLink(serverAddr)
	Connect(clientLink, serverLink)

	client := NewTcpStream(cfg, clk, clientLink, true)
	server := NewTcpStream(cfg, clk, serverLink, true)

	return &testPair{
		clk: clk, cfg: cfg,
		clientLink: clientLink, serverLink: serverLink,
		client: client, server: server,
		clientAddr: clientAddr, serverAddr: serverAddr,
	}
}

// pump ticks both streams a number of times, advancing the virtual clock
// between each pass so retransmit/keepalive timers can fire.
func (p *testPair) pump(ctx context.Context, n int, step time.Duration) {
	for i := 0; i < n; i++ {
		p.client.Tick(ctx, p.clk.Now())
		p.server.Tick(ctx, p.clk.Now())
		p.clk.Advance(step)
	}
}

func (p *testPair) handshake(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, p.server.ListenFor(p.clientAddr))
	err := p.client.Connect(ctx, p.serverAddr, 5*time.Second)
	require.Error(t, err) // Connect always reports would-block-in-progress.
	p.pump(ctx, 5, 10*time.Millisecond)
	assert.Equal(t, StateEstablished, p.client.state)
	assert.Equal(t, StateEstablished, p.server.state)
}

// S1: a fresh connect/listen pair reaches ESTABLISHED on both ends.
func TestHandshakeReachesEstablished(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)
}

// S2: data written on one side arrives intact on the other, in order.
func TestDataTransferInOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	payload := []byte("hello from the client side of the stream")
	n, err := p.client.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	p.pump(ctx, 5, 10*time.Millisecond)

	buf := make([]byte, len(payload))
	n, err = p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

// S5: a graceful close on the client drains its queue, sends FIN, the
// server replies in kind once it notices end-of-stream, and both streams
// reach CLOSED.
func TestGracefulCloseBothSidesTerminate(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	_, err := p.client.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, p.client.Close(ctx))

	// Let the client's FIN reach the server and flip it to CLOSE_WAIT.
	p.pump(ctx, 5, 20*time.Millisecond)
	assert.Equal(t, StateCloseWait, p.server.state)

	// The server application notices EOF and closes its own half.
	require.NoError(t, p.server.Close(ctx))
	p.pump(ctx, 10, 20*time.Millisecond)

	assert.Equal(t, StateClosed, p.client.state)
	assert.Equal(t, StateClosed, p.server.state)
}

// S3: a dropped data segment is retransmitted and eventually delivered.
func TestRetransmitOnPacketLoss(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	dropped := false
	p.clientLink.LossFunc = func(src, dst net.Addr, buf []byte) bool {
		pkt, ok := DecodePacket(buf)
		if ok && len(pkt.Data) > 0 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	payload := []byte("this segment gets dropped once")
	_, err := p.client.Write(payload)
	require.NoError(t, err)

	// Advance well past the initial retransmit timeout so the loss is
	// recovered without needing to hand-tune retransTimeout internals.
	p.pump(ctx, 50, 200*time.Millisecond)

	buf := make([]byte, len(payload))
	n, err := p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	assert.True(t, dropped)
}

// S4: three consecutive retransmissions of the same unacked packet each
// halve congestThreshold from the window size going into that pass,
// always reset congestWinSize to MAX_SEG, and double retransTimeout on
// every pass (Karn backoff with no ack to clear it).
func TestCongestionBackoffAcrossRepeatedRetransmits(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	seg := uint32(p.cfg.MaxSeg)
	// Seed a congestion window well past slow start so the halving is
	// visible instead of being immediately clamped back to MAX_SEG.
	p.client.congestWinSize = 8 * seg
	p.client.congestThreshold = 16 * seg

	// Drop every data segment so the packet can never be acked.
	p.clientLink.LossFunc = func(src, dst net.Addr, buf []byte) bool {
		pkt, ok := DecodePacket(buf)
		return ok && len(pkt.Data) > 0
	}

	_, err := p.client.Write([]byte("never arrives"))
	require.NoError(t, err)

	// One tick sends the segment onto outPkt; it's dropped in flight.
	p.client.Tick(ctx, p.clk.Now())
	require.Len(t, p.client.outPkt, 1)

	timeout := p.client.retransTimeout

	// Pass 1: congestWinSize going in is 8*seg, so the threshold halves
	// to 4*seg (not clamped) and the window resets to MAX_SEG.
	p.clk.Advance(time.Duration(timeout*2*float64(time.Second)) + time.Millisecond)
	p.client.Tick(ctx, p.clk.Now())
	assert.Equal(t, 1, p.client.outPkt[0].retrans)
	assert.Equal(t, 4*seg, p.client.congestThreshold)
	assert.Equal(t, seg, p.client.congestWinSize)
	timeout2 := p.client.retransTimeout
	assert.InDelta(t, timeout*2, timeout2, 1e-6)

	// Pass 2: congestWinSize going in is already MAX_SEG, so the raw
	// halving (seg/2) is clamped back up to MAX_SEG; window stays there.
	p.clk.Advance(time.Duration(timeout2*2*float64(time.Second)) + time.Millisecond)
	p.client.Tick(ctx, p.clk.Now())
	assert.Equal(t, 2, p.client.outPkt[0].retrans)
	assert.Equal(t, seg, p.client.congestThreshold)
	assert.Equal(t, seg, p.client.congestWinSize)
	timeout3 := p.client.retransTimeout
	assert.InDelta(t, timeout2*2, timeout3, 1e-6)

	// Pass 3: same floor as pass 2; timeout keeps doubling regardless.
	p.clk.Advance(time.Duration(timeout3*2*float64(time.Second)) + time.Millisecond)
	p.client.Tick(ctx, p.clk.Now())
	assert.Equal(t, 3, p.client.outPkt[0].retrans)
	assert.Equal(t, seg, p.client.congestThreshold)
	assert.Equal(t, seg, p.client.congestWinSize)
	assert.InDelta(t, timeout3*2, p.client.retransTimeout, 1e-6)
}

// Write on a never-connected stream reports would-block, not closed.
func TestWriteBeforeEstablishedWouldBlock(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewVirtual(time.Unix(0, 0))
	link := NewTestLink(testAddr(1))
	s := NewTcpStream(cfg, clk, link, true)
	require.NoError(t, s.ListenFor(testAddr(2)))

	_, err := s.Write([]byte("too early"))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.WouldBlock))
}

// Read on a stream with no data and an active peer reports would-block
// rather than a spurious zero-length success.
func TestReadNoDataWouldBlock(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	buf := make([]byte, 16)
	_, err := p.server.Read(buf)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.WouldBlock))
}

// Under noPartialRead, a read request larger than what's buffered
// consumes nothing and reports would-block instead of a short count.
func TestNoPartialReadSuppressesShortReads(t *testing.T) {
	ctx := context.Background()
	p := newTestPair(t)
	p.handshake(t, ctx)

	_, err := p.client.Write([]byte("short"))
	require.NoError(t, err)
	p.pump(ctx, 5, 10*time.Millisecond)

	buf := make([]byte, 1024) // far larger than "short"
	n, err := p.server.Read(buf)
	require.Error(t, err)
	assert.Equal(t, -1, n)

	// A correctly sized read still succeeds afterward.
	buf = make([]byte, len("short"))
	n, err = p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "short", string(buf[:n]))
}
