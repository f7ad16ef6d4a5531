package reliudp

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy in spec.md §7. Use errors.Is against
// these; wrapped instances carry additional context via github.com/pkg/errors.
var (
	// ErrMalformedDatagram: header parse failed, bit length inconsistent
	// with the datagram, a fragment/varint header overflowed, or a
	// declared string byte count exceeded the remaining buffer. The
	// datagram is dropped; connection state is unaffected.
	ErrMalformedDatagram = errors.New("reliudp: malformed datagram")

	// ErrCannotResend is logged when the application attempts to queue an
	// OutgoingMessage that has already been sent once; SendMessage then
	// returns SendResultDropped rather than this error.
	ErrCannotResend = errors.New("reliudp: message already sent")

	// ErrNotConnected names the not-connected condition. SendMessage
	// reports it as SendResultFailedNotConnected; no function in this
	// package returns this error.
	ErrNotConnected = errors.New("reliudp: connection is not connected")

	// ErrOversizeReliable marks a reliable message that reached the
	// channel enqueue path larger than currentMTU without having been
	// fragmented first.
	ErrOversizeReliable = errors.New("reliudp: reliable message exceeds current MTU")

	// ErrHandshakeTimeout marks a connection attempt that exceeded
	// maximumHandshakeAttempts without reaching Connected.
	ErrHandshakeTimeout = errors.New("reliudp: handshake timed out")

	// ErrConnectionTimeout marks a Connected connection whose
	// timeoutDeadline elapsed without a pong.
	ErrConnectionTimeout = errors.New("reliudp: connection timed out")

	// ErrAppIDMismatch marks a Connect whose appId does not match this
	// peer's configured identifier.
	ErrAppIDMismatch = errors.New("reliudp: application identifier mismatch")

	// ErrSocketFailure wraps an OS-level send/receive failure.
	ErrSocketFailure = errors.New("reliudp: socket operation failed")

	// ErrPeerClosed names the closed-peer condition; no function in this
	// package returns it, and calls made after Peer.Close are not checked
	// against it.
	ErrPeerClosed = errors.New("reliudp: peer is closed")
)

// SendResult reports the outcome of SendMessage (spec.md §6).
type SendResult uint8

const (
	SendResultSent SendResult = iota
	SendResultQueued
	SendResultNoRecipients
	SendResultFailedNotConnected
	SendResultDropped
)

func (r SendResult) String() string {
	switch r {
	case SendResultSent:
		return "Sent"
	case SendResultQueued:
		return "Queued"
	case SendResultNoRecipients:
		return "NoRecipients"
	case SendResultFailedNotConnected:
		return "FailedNotConnected"
	case SendResultDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}
