package common

import "errors"

// Errors surfaced by the transports. Callers match them with errors.Is; the
// concrete cause is wrapped with %w where one exists.
var (
	// ErrCannotConnect means no attempt managed to complete an invocation
	// (dial failures or retries exhausted on transient socket errors).
	ErrCannotConnect = errors.New("cannot connect to server")

	// ErrInvocationFailure means an invocation failed with a non-retriable error
	// after the request may already have been sent.
	ErrInvocationFailure = errors.New("invocation failure")

	// ErrDecode means a payload arrived but could not be decoded into a known
	// message. Never retried.
	ErrDecode = errors.New("cannot decode payload")

	// ErrPoolTimeout means no pooled connection became available within the
	// configured wait. It signals resource exhaustion, not a network failure.
	ErrPoolTimeout = errors.New("timed out waiting for a pooled connection")

	// ErrTimeout means the invocation's time budget ran out.
	ErrTimeout = errors.New("invocation timed out")

	// ErrUnsupportedVersion is a protocol error: the peer sent a version byte
	// this transport does not speak.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrMessageTooLarge means a framed payload exceeded the configured maximum.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrTransportClosed means the transport was used after Close.
	ErrTransportClosed = errors.New("transport closed")
)
