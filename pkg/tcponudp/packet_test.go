package tcponudp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqLess(t *testing.T) {
	assert.True(t, SeqLess(1, 2))
	assert.False(t, SeqLess(2, 1))
	assert.False(t, SeqLess(1, 1))

	// Wraparound: a seqno just below the uint32 max is "less than" a
	// small seqno on the other side of the wrap.
	assert.True(t, SeqLess(math.MaxUint32, 1))
	assert.False(t, SeqLess(1, math.MaxUint32))
}

func TestSeqLessEq(t *testing.T) {
	assert.True(t, SeqLessEq(1, 1))
	assert.True(t, SeqLessEq(1, 2))
	assert.False(t, SeqLessEq(2, 1))
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	pkt := Packet{
		Seqno:   12345,
		Ackno:   6789,
		WinSize: 1048576,
		Flags:   FlagSYN | FlagACK,
		Data:    []byte("hello, peer"),
		ts:      time.Unix(0, 0),
	}

	buf := pkt.Encode()
	got, ok := DecodePacket(buf)
	require.True(t, ok)

	assert.Equal(t, pkt.Seqno, got.Seqno)
	assert.Equal(t, pkt.Ackno, got.Ackno)
	assert.Equal(t, pkt.WinSize, got.WinSize)
	assert.Equal(t, pkt.Flags, got.Flags)
	assert.Equal(t, pkt.Data, got.Data)
}

func TestDecodePacketTooShort(t *testing.T) {
	_, ok := DecodePacket([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "SA", (FlagSYN | FlagACK).String())
	assert.Equal(t, "-", Flags(0).String())
}
