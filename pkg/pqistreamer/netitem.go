// Package pqistreamer implements the framed message pipe layered over a
// bininterface.BinInterface: serialisation of NetItems into
// length-prefixed packets, the two outbound FIFOs, the resumable inbound
// parser, and per-direction token-bucket rate limiting with an EWMA
// throughput estimate.
package pqistreamer

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NetItem is an application-level message, opaque to the streamer aside
// from its serialised length and whether it belongs to the bulk-data
// queue, kept separate from everything else so a large transfer never
// starves control traffic.
type NetItem interface {
	// IsFileData reports whether this item belongs on the out_data
	// queue (bulk transfer) rather than out_ctrl (everything else).
	IsFileData() bool

	// ServiceID identifies the service/sub-protocol this item belongs
	// to, carried in the base header's discriminator so the receiving
	// Serialiser can dispatch without peeking at the payload.
	ServiceID() uint16
}

// PeerTagged is implemented by NetItems that want to know which peer
// they arrived from; Streamer calls SetPeerID after a successful
// deserialise, so a caller that cares which peer an item came from
// doesn't need a separate lookup.
type PeerTagged interface {
	SetPeerID(id uuid.UUID)
}

// Serialiser is the pluggable codec this core delegates content
// serialisation to: that concern is out of this core's scope, but the
// shape of the codec is part of the streamer's public surface because
// the streamer must call it.
type Serialiser interface {
	// Size returns the total wire size (including the base header) that
	// Serialise will produce for item.
	Size(item NetItem) int

	// Serialise fills buf (sized by a prior call to Size) and returns
	// the number of bytes written.
	Serialise(item NetItem, buf []byte) (int, error)

	// Deserialise reconstructs a NetItem from a complete frame
	// (header + tail), as delivered by the streamer's reader.
	Deserialise(buf []byte) (NetItem, error)
}

// BaseHeaderSize is the fixed preamble every framed NetItem begins with.
// Its layout is owned by the streamer, not by the pluggable Serialiser,
// because the reader must learn the total frame length before it knows
// enough to hand bytes to a Serialiser at all.
const BaseHeaderSize = 8

// BaseHeader is the fixed preamble: total frame length plus enough of a
// type discriminator (service id + sub-type + flags) for the Serialiser
// to reconstruct the item once the tail has arrived.
type BaseHeader struct {
	TotalLen  uint32
	ServiceID uint16
	SubType   uint8
	Flags     uint8
}

// Encode writes h into the first BaseHeaderSize bytes of buf.
func (h BaseHeader) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ServiceID)
	buf[6] = h.SubType
	buf[7] = h.Flags
}

// DecodeBaseHeader parses the first BaseHeaderSize bytes of buf.
func DecodeBaseHeader(buf []byte) BaseHeader {
	return BaseHeader{
		TotalLen:  binary.BigEndian.Uint32(buf[0:4]),
		ServiceID: binary.BigEndian.Uint16(buf[4:6]),
		SubType:   buf[6],
		Flags:     buf[7],
	}
}
