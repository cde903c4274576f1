package tcponudp

import (
	"context"
	"math/rand"
	"net"
	"sync"
)

// Receiver is implemented by anything that wants inbound datagrams from a
// single peer address (normally a *TcpStream): the link layer only ever
// hands a raw frame to one registered owner per peer.
type Receiver interface {
	RecvPkt(ctx context.Context, buf []byte)
}

// UdpLink is the narrow send/receive interface the core requires from the
// concrete UDP socket wrapper. TTL must be settable per packet to support
// the SYN firewall-traversal ramp.
type UdpLink interface {
	// SendPkt transmits buf to peeraddr with the given IP TTL hint and
	// returns the number of bytes actually sent.
	SendPkt(ctx context.Context, buf []byte, peeraddr net.Addr, ttl int) (int, error)

	// Register associates peeraddr with r so that future datagrams from
	// that address are delivered via r.RecvPkt. Only one Receiver may
	// be registered per address at a time.
	Register(peeraddr net.Addr, r Receiver)

	// Unregister removes any receiver registered for peeraddr.
	Unregister(peeraddr net.Addr)
}

// TestLink is an in-memory UdpLink used by conformance tests: it can
// simulate datagram loss (via LossFunc) between a fixed set of peers
// without touching a real socket, driving RecvPkt through in-process
// calls instead of a kernel UDP socket. It does not reorder or delay
// datagrams.
type TestLink struct {
	mu        sync.Mutex
	receivers map[string]Receiver
	peers     map[string]*TestLink

	// LossFunc, if set, is consulted for every SendPkt call; returning
	// true drops the datagram.
	LossFunc func(src, dst net.Addr, buf []byte) bool

	// Rand drives LossFunc implementations that want determinism; not
	// used by TestLink itself.
	Rand *rand.Rand

	self net.Addr
}

// NewTestLink returns a TestLink that identifies itself as self when
// delivering packets: Connect keys the peer map by self, and the
// receiving link picks the Receiver registered for the sender's self.
func NewTestLink(self net.Addr) *TestLink {
	return &TestLink{receivers: map[string]Receiver{}, self: self, Rand: rand.New(rand.NewSource(1))}
}

func (l *TestLink) Register(peeraddr net.Addr, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[peeraddr.String()] = r
}

func (l *TestLink) Unregister(peeraddr net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.receivers, peeraddr.String())
}

// SendPkt delivers buf synchronously to whatever TestLink is registered
// for peeraddr on the other end, via peer.deliver — callers wire two
// TestLinks together with Connect.
func (l *TestLink) SendPkt(ctx context.Context, buf []byte, peeraddr net.Addr, ttl int) (int, error) {
	l.mu.Lock()
	peer, ok := l.peers[peeraddr.String()]
	l.mu.Unlock()
	if !ok {
		return len(buf), nil
	}
	if l.LossFunc != nil && l.LossFunc(l.self, peeraddr, buf) {
		return len(buf), nil
	}
	cp := append([]byte(nil), buf...)
	peer.deliver(ctx, l.self, cp)
	return len(buf), nil
}

func (l *TestLink) deliver(ctx context.Context, from net.Addr, buf []byte) {
	l.mu.Lock()
	r, ok := l.receivers[from.String()]
	l.mu.Unlock()
	if ok {
		r.RecvPkt(ctx, buf)
	}
}

// Connect wires a and b as each other's peer, so sends from a addressed
// to b's address (and vice versa) are delivered to whichever Receiver is
// registered for the sender's address.
func Connect(a, b *TestLink) {
	if a.peers == nil {
		a.peers = map[string]*TestLink{}
	}
	if b.peers == nil {
		b.peers = map[string]*TestLink{}
	}
	a.peers[b.self.String()] = b
	b.peers[a.self.String()] = a
}
