package bisocket

import (
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"net"
	"strings"
	"time"
)

var Logger = logger.GetLogger("transport/bisocket")

// Connection kinds, the first byte a client writes on a new connection
const (
	kindControl   byte = 1
	kindSecondary byte = 2
)

// Control channel commands
const (
	cmdCreate byte = 1 // server asks the client for a new secondary connection
	cmdPing   byte = 2
	cmdPong   byte = 3
)

const (
	// DefaultPingInterval is used when no ping interval is configured
	DefaultPingInterval = 5 * time.Second
	// missedPings is the number of ping intervals a silent peer is tolerated
	missedPings = 3
	// headerTimeout bounds reading and writing the connection header
	headerTimeout = 5 * time.Second
	// headerSize is the kind byte followed by the listener ID
	headerSize = 1 + 16
)

var (
	// ErrUnknownListener means no callback client with the given ID is connected
	ErrUnknownListener = errors.New("unknown callback listener")
	// ErrBadHeader means a connection started with an unknown kind byte
	ErrBadHeader = errors.New("invalid connection header")
)

// writeHeader announces the kind of a new connection and the listener it belongs to
func writeHeader(conn net.Conn, kind byte, id uuid.UUID) error {
	var header [headerSize]byte
	header[0] = kind
	copy(header[1:], id[:])

	if err := conn.SetWriteDeadline(time.Now().Add(headerTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

// readHeader reads the header written by writeHeader
func readHeader(conn net.Conn) (kind byte, id uuid.UUID, err error) {
	var header [headerSize]byte

	if err = conn.SetReadDeadline(time.Now().Add(headerTimeout)); err != nil {
		return 0, id, err
	}
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, id, err
	}
	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, id, err
	}

	kind = header[0]
	if kind != kindControl && kind != kindSecondary {
		return 0, id, fmt.Errorf("%w: kind %d", ErrBadHeader, kind)
	}
	copy(id[:], header[1:])
	return kind, id, nil
}

// writeCommand writes a single control command
func writeCommand(conn net.Conn, cmd byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(headerTimeout)); err != nil {
		return err
	}
	_, err := conn.Write([]byte{cmd})
	return err
}

// network picks the socket family for an endpoint: paths are Unix sockets
func network(endpoint string) string {
	if strings.Contains(endpoint, "/") {
		return "unix"
	}
	return "tcp"
}

func pingIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPingInterval
	}
	return d
}
