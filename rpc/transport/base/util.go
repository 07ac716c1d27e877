package base

import (
	"errors"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"io"
	"net"
	"os"
	"syscall"
)

// --------------------------------------------------------------------------
// Wire protocol
// --------------------------------------------------------------------------
//
// Every invocation is:  [version byte] [frame]        client -> server
// every response is:    [version byte] [frame]        server -> client
//
// The frame is produced by the serializer stream codec. In legacy mode
// (common.Version1) the version bytes are left out. When the liveness check
// is enabled, a reused connection starts with the ACK byte, echoed by the
// server. A party closing the connection on purpose writes the CLOSING byte
// twice before closing; readers treat it exactly like end of stream.

const (
	// closingByte announces a deliberate close
	closingByte byte = 254
	// ackByte is exchanged by the connection liveness check
	ackByte byte = 1
)

var (
	// errEvicted is returned from a blocking read that was interrupted by eviction
	errEvicted = errors.New("worker evicted")
	// errWaitTimeout wraps a timeout hit while waiting for the next invocation
	errWaitTimeout = errors.New("timed out waiting for invocation")
	// errBadAck means the peer answered the liveness check with an unexpected byte
	errBadAck = errors.New("unexpected liveness check reply")
)

// isSupportedVersion reports whether v can appear on the wire
func isSupportedVersion(v byte) bool {
	switch v {
	case common.Version2, common.Version2_2:
		return true
	default:
		return false
	}
}

// normalizeVersion maps the zero value to the default protocol version
func normalizeVersion(v byte) byte {
	switch v {
	case common.Version1, common.Version2, common.Version2_2:
		return v
	default:
		return common.Version2
	}
}

// --------------------------------------------------------------------------
// Error classification
// --------------------------------------------------------------------------

// isTimeout reports whether err is a socket deadline expiry
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isDisconnect reports whether err means the peer went away: end of stream,
// the CLOSING sentinel, a reset or a broken pipe
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
