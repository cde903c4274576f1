package tcponudp

import (
	"encoding/binary"
	"time"
)

// Flags is the TCP-style flag bitfield carried in every packet's
// pseudo-header.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
)

func (f Flags) has(b Flags) bool { return f&b != 0 }

func (f Flags) String() string {
	s := ""
	for _, p := range []struct {
		b Flags
		c string
	}{{FlagSYN, "S"}, {FlagACK, "A"}, {FlagFIN, "F"}, {FlagRST, "R"}} {
		if f.has(p.b) {
			s += p.c
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// pseudoHeaderWireSize is the fixed, bit-exact, big-endian on-wire layout:
// seqno(4) ackno(4) winsize(4) flags(1) pad(3) = 16 bytes, matching
// config.Config.PseudoHeaderSize's default.
const pseudoHeaderWireSize = 16

// Packet is the on-wire unit exchanged between two streams. ts and
// retrans are local bookkeeping only, never serialised.
type Packet struct {
	Seqno   uint32
	Ackno   uint32
	WinSize uint32
	Flags   Flags
	Data    []byte

	ts      time.Time
	retrans int
}

// Encode serialises p into its wire form. maxSeg bounds len(p.Data);
// callers are expected to have already enforced the cap when cutting
// segments.
func (p *Packet) Encode() []byte {
	buf := make([]byte, pseudoHeaderWireSize+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.Seqno)
	binary.BigEndian.PutUint32(buf[4:8], p.Ackno)
	binary.BigEndian.PutUint32(buf[8:12], p.WinSize)
	buf[12] = byte(p.Flags)
	copy(buf[pseudoHeaderWireSize:], p.Data)
	return buf
}

// DecodePacket parses a datagram produced by Encode. Returns false if buf
// is too short to contain a pseudo-header.
func DecodePacket(buf []byte) (Packet, bool) {
	if len(buf) < pseudoHeaderWireSize {
		return Packet{}, false
	}
	p := Packet{
		Seqno:   binary.BigEndian.Uint32(buf[0:4]),
		Ackno:   binary.BigEndian.Uint32(buf[4:8]),
		WinSize: binary.BigEndian.Uint32(buf[8:12]),
		Flags:   Flags(buf[12]),
	}
	if len(buf) > pseudoHeaderWireSize {
		p.Data = append([]byte(nil), buf[pseudoHeaderWireSize:]...)
	}
	return p, true
}

// SeqLess implements the half-space modular sequence-number comparison:
// a is "older" than b iff (int32)(a-b) < 0.
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqLessEq reports whether a is older than or equal to b, modularly.
func SeqLessEq(a, b uint32) bool {
	return a == b || SeqLess(a, b)
}

// seqInRange reports whether seq lies in the half-open modular interval
// [lo, hi).
func seqInRange(seq, lo, hi uint32) bool {
	return SeqLessEq(lo, seq) && SeqLess(seq, hi)
}
