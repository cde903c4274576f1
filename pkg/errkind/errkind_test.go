package errkind

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestOfRecoversKindThroughWrapping(t *testing.T) {
	base := New(WouldBlock, nil, "read: no data available")
	wrapped := errors.Wrap(base, "streamer")
	wrapped = fmt.Errorf("outer: %w", wrapped)

	assert.Equal(t, WouldBlock, Of(wrapped))
	assert.True(t, Is(wrapped, WouldBlock))
	assert.False(t, Is(wrapped, Closed))
}

func TestOfReturnsNoneForUnrelatedError(t *testing.T) {
	assert.Equal(t, None, Of(errors.New("plain")))
	assert.Equal(t, None, Of(nil))
}

func TestNewPreservesCauseChain(t *testing.T) {
	cause := errors.New("short base header read")
	err := New(DecodeFailure, cause, "pqistreamer: parse failed")

	assert.Equal(t, DecodeFailure, Of(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindErrno(t *testing.T) {
	assert.Equal(t, unix.EAGAIN, WouldBlock.Errno())
	assert.Equal(t, unix.EBADF, Closed.Errno())
	assert.Nil(t, ConnectionFailed.Errno())
}
