package base

import (
	"bufio"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// closeWriteTimeout bounds writing the CLOSING sentinel
const closeWriteTimeout = time.Second

// WrapperFactory builds the SocketWrapper for a freshly dialed or accepted connection
type WrapperFactory func(conn net.Conn, timeout time.Duration) *SocketWrapper

// SocketWrapper pairs a connection with its buffered streams and I/O timeout.
// A wrapper is used by one goroutine at a time; only Close and
// CloseGracefully may be called concurrently with a blocked read.
type SocketWrapper struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration
	server  bool

	leased atomic.Bool
	closed atomic.Bool
}

// NewClientSocketWrapper wraps a dialed connection
func NewClientSocketWrapper(conn net.Conn, timeout time.Duration) *SocketWrapper {
	return newSocketWrapper(conn, timeout, false)
}

// NewServerSocketWrapper wraps an accepted connection
func NewServerSocketWrapper(conn net.Conn, timeout time.Duration) *SocketWrapper {
	return newSocketWrapper(conn, timeout, true)
}

func newSocketWrapper(conn net.Conn, timeout time.Duration, server bool) *SocketWrapper {
	return &SocketWrapper{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: timeout,
		server:  server,
	}
}

// Conn returns the wrapped connection
func (w *SocketWrapper) Conn() net.Conn {
	return w.conn
}

// Timeout returns the I/O timeout applied to every blocking operation
func (w *SocketWrapper) Timeout() time.Duration {
	return w.timeout
}

// SetTimeout changes the I/O timeout, 0 disables it
func (w *SocketWrapper) SetTimeout(d time.Duration) {
	w.timeout = d
}

// IsClosed reports whether Close was called
func (w *SocketWrapper) IsClosed() bool {
	return w.closed.Load()
}

func (w *SocketWrapper) String() string {
	return fmt.Sprintf("%s->%s", w.conn.LocalAddr(), w.conn.RemoteAddr())
}

// --------------------------------------------------------------------------
// Liveness check
// --------------------------------------------------------------------------

// CheckConnection verifies a pooled connection before reuse: it writes the
// ACK byte and waits for the server to echo it.
func (w *SocketWrapper) CheckConnection() error {
	if w.server {
		return fmt.Errorf("CheckConnection called on server side wrapper %s", w)
	}
	if err := w.writeByte(ackByte); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	return w.expectAck()
}

// AnswerConnectionCheck blocks until the client's ACK byte arrives and echoes it
func (w *SocketWrapper) AnswerConnectionCheck() error {
	if !w.server {
		return fmt.Errorf("AnswerConnectionCheck called on client side wrapper %s", w)
	}
	if err := w.expectAck(); err != nil {
		return err
	}
	if err := w.writeByte(ackByte); err != nil {
		return err
	}
	return w.flush()
}

func (w *SocketWrapper) expectAck() error {
	b, err := w.readByte()
	if err != nil {
		return err
	}
	if b != ackByte {
		return fmt.Errorf("%w: %d", errBadAck, b)
	}
	return nil
}

// --------------------------------------------------------------------------
// Protocol primitives
// --------------------------------------------------------------------------

func (w *SocketWrapper) writeVersion(v byte) error {
	return w.writeByte(v)
}

// readVersion reads a version byte. The CLOSING sentinel is reported as io.EOF.
func (w *SocketWrapper) readVersion() (byte, error) {
	return w.readByte()
}

// awaitData blocks until at least one byte is readable (legacy mode has no
// version byte to wait on)
func (w *SocketWrapper) awaitData() error {
	if err := w.armRead(); err != nil {
		return err
	}
	b, err := w.reader.Peek(1)
	if err != nil {
		return err
	}
	if b[0] == closingByte {
		return io.EOF
	}
	return nil
}

func (w *SocketWrapper) writeMessage(s serializer.IRPCSerializer, msg *common.Message) error {
	if err := w.armWrite(); err != nil {
		return err
	}
	return serializer.WriteMessage(w.writer, s, msg)
}

func (w *SocketWrapper) readMessage(s serializer.IRPCSerializer, msg *common.Message, maxSize int) error {
	if err := w.armRead(); err != nil {
		return err
	}
	return serializer.ReadMessage(w.reader, s, msg, maxSize)
}

func (w *SocketWrapper) readByte() (byte, error) {
	if err := w.armRead(); err != nil {
		return 0, err
	}
	b, err := w.reader.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == closingByte {
		return 0, io.EOF
	}
	return b, nil
}

func (w *SocketWrapper) writeByte(b byte) error {
	if err := w.armWrite(); err != nil {
		return err
	}
	return w.writer.WriteByte(b)
}

func (w *SocketWrapper) flush() error {
	if err := w.armWrite(); err != nil {
		return err
	}
	return w.writer.Flush()
}

func (w *SocketWrapper) armRead() error {
	if w.timeout > 0 {
		return w.conn.SetReadDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.SetReadDeadline(time.Time{})
}

func (w *SocketWrapper) armWrite() error {
	if w.timeout > 0 {
		return w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.SetWriteDeadline(time.Time{})
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

// Close closes the connection. Calling it more than once is a no-op.
func (w *SocketWrapper) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.conn.Close()
}

// CloseGracefully writes the CLOSING byte twice and closes the connection.
// The sentinel bypasses the buffered writer so it may be called while
// another goroutine is blocked reading.
func (w *SocketWrapper) CloseGracefully() error {
	if w.closed.Load() {
		return nil
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	if _, err := w.conn.Write([]byte{closingByte, closingByte}); err != nil {
		Logger.Debugf("Failed to write closing sentinel to %s: %v", w, err)
	}
	return w.Close()
}
