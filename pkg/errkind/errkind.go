// Package errkind gives the abstract error kinds of the networking core
// a concrete, inspectable type, the way the telepresence connector's
// errcat package lets a caller recover a coarse category from an
// arbitrary wrapped error without string matching.
package errkind

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind is a coarse classification of a failure surfaced by this core.
type Kind int

const (
	// None marks an error (or nil) that carries no classification.
	None Kind = iota
	// WouldBlock: operation not possible now, retry on next tick.
	WouldBlock
	// Closed: the stream is no longer usable.
	Closed
	// OversizePacket: an inbound frame exceeded the configured maximum.
	OversizePacket
	// DecodeFailure: the serialiser could not reconstruct a NetItem.
	DecodeFailure
	// ConnectionFailed: retransmit cap exceeded or the peer went idle.
	ConnectionFailed
)

func (k Kind) String() string {
	switch k {
	case WouldBlock:
		return "would-block"
	case Closed:
		return "closed"
	case OversizePacket:
		return "oversize-packet"
	case DecodeFailure:
		return "decode-failure"
	case ConnectionFailed:
		return "connection-failed"
	default:
		return "none"
	}
}

// Errno is the POSIX-flavoured errno used to describe WouldBlock (EAGAIN)
// and Closed (EBADF) at the public TcpStream read/write surface.
func (k Kind) Errno() error {
	switch k {
	case WouldBlock:
		return unix.EAGAIN
	case Closed:
		return unix.EBADF
	default:
		return nil
	}
}

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

// New wraps cause (may be nil) with the given Kind, annotating it with
// pkg/errors so the full cause chain survives alongside the classification.
func New(kind Kind, cause error, msg string) error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &kindError{kind: kind, cause: wrapped}
}

// Of recovers the Kind attached to err, walking the Unwrap chain. Returns
// None if err is nil or carries no Kind.
func Of(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return None
		}
		err = u.Unwrap()
	}
	return None
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
