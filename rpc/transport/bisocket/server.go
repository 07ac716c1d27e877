package bisocket

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/ValentinKolb/sockrpc/rpc/transport/base"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// pendingConnections is the number of secondary connections a session
// buffers before further ones are refused
const pendingConnections = 16

// -----------------------------------------------------------
// Server
// -----------------------------------------------------------

// Server accepts control and secondary connections from callback clients and
// invokes their handlers. Every connected client is a session; callbacks to a
// session run through a regular client transport whose connections are the
// secondary connections the client opens on request.
type Server struct {
	serializer   serializer.IRPCSerializer
	config       common.ClientConfig
	pingInterval time.Duration

	listener net.Listener
	sessions *xsync.MapOf[uuid.UUID, *session]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer creates a callback server. config configures the per-session
// client transports (pool size, retries, timeouts); its endpoints are ignored.
func NewServer(s serializer.IRPCSerializer, config common.ClientConfig, pingInterval time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		serializer:   s,
		config:       config,
		pingInterval: pingIntervalOrDefault(pingInterval),
		sessions:     xsync.NewMapOf[uuid.UUID, *session](),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start listens on endpoint and accepts callback clients in the background
func (s *Server) Start(endpoint string) error {
	listener, err := net.Listen(network(endpoint), endpoint)
	if err != nil {
		return fmt.Errorf("failed to create callback listener: %v", err)
	}
	s.listener = listener
	Logger.Infof("Callback server listening on %s", listener.Addr())

	s.wg.Add(2)
	go s.acceptLoop()
	go s.expireSessions()
	return nil
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Callback invokes msg on the listener with the given ID
func (s *Server) Callback(ctx context.Context, listenerID uuid.UUID, msg *common.Message) (*common.Message, error) {
	sess, ok := s.sessions.Load(listenerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, listenerID)
	}
	return sess.transport.Invoke(ctx, msg)
}

// Listeners returns the IDs of all connected callback clients
func (s *Server) Listeners() []uuid.UUID {
	ids := make([]uuid.UUID, 0, s.sessions.Size())
	s.sessions.Range(func(id uuid.UUID, _ *session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close stops accepting and closes all sessions
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.sessions.Range(func(id uuid.UUID, sess *session) bool {
			s.dropSession(sess, "server closed")
			return true
		})
		s.wg.Wait()
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Callback accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// handleConnection reads the header and routes the connection
func (s *Server) handleConnection(conn net.Conn) {
	kind, id, err := readHeader(conn)
	if err != nil {
		Logger.Warningf("Rejected callback connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	if kind == kindControl {
		s.serveControl(conn, id)
		return
	}

	sess, ok := s.sessions.Load(id)
	if !ok {
		Logger.Warningf("Secondary connection for unknown listener %s", id)
		conn.Close()
		return
	}
	sess.offer(conn)
}

// serveControl registers a session and answers its pings until the control
// connection fails
func (s *Server) serveControl(conn net.Conn, id uuid.UUID) {
	sess := newSession(id, conn)

	client := base.NewBaseClientTransport(&sessionConnector{session: sess}, s.serializer)
	cfg := s.config
	cfg.Transport.Endpoints = []string{id.String()}
	if err := client.Connect(cfg); err != nil {
		Logger.Errorf("Failed to create callback transport for %s: %v", id, err)
		conn.Close()
		return
	}
	sess.transport = client

	if old, loaded := s.sessions.LoadAndStore(id, sess); loaded {
		s.closeSession(old, "replaced by a new control connection")
	}
	Logger.Infof("Callback listener %s connected from %s", id, conn.RemoteAddr())

	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.dropSession(sess, fmt.Sprintf("control connection lost: %v", err))
			return
		}
		sess.touch()
		if buf[0] != cmdPing {
			continue
		}
		if err := sess.send(cmdPong); err != nil {
			s.dropSession(sess, fmt.Sprintf("failed to answer ping: %v", err))
			return
		}
	}
}

// expireSessions drops sessions that missed several pings
func (s *Server) expireSessions() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sessions.Range(func(_ uuid.UUID, sess *session) bool {
				if now.Sub(sess.lastSeen()) > missedPings*s.pingInterval {
					s.dropSession(sess, "no ping received")
				}
				return true
			})
		}
	}
}

// dropSession removes sess if it is still the registered session for its ID
func (s *Server) dropSession(sess *session, reason string) {
	s.sessions.Compute(sess.id, func(current *session, loaded bool) (*session, bool) {
		// keep a newer session registered under the same ID
		return current, !loaded || current == sess
	})
	s.closeSession(sess, reason)
}

func (s *Server) closeSession(sess *session, reason string) {
	if sess.close() {
		Logger.Infof("Callback listener %s disconnected: %s", sess.id, reason)
	}
}

// -----------------------------------------------------------
// Session
// -----------------------------------------------------------

// session is one connected callback client
type session struct {
	id        uuid.UUID
	control   net.Conn
	transport transport.IRPCClientTransport

	writeMu sync.Mutex
	pending chan net.Conn
	seen    atomic.Int64 // unix nanos

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id uuid.UUID, control net.Conn) *session {
	sess := &session{
		id:      id,
		control: control,
		pending: make(chan net.Conn, pendingConnections),
		closed:  make(chan struct{}),
	}
	sess.touch()
	return sess
}

func (s *session) touch() {
	s.seen.Store(time.Now().UnixNano())
}

func (s *session) lastSeen() time.Time {
	return time.Unix(0, s.seen.Load())
}

// send writes a control command
func (s *session) send(cmd byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeCommand(s.control, cmd)
}

// offer hands a secondary connection to a waiting connector
func (s *session) offer(conn net.Conn) {
	select {
	case <-s.closed:
		conn.Close()
	case s.pending <- conn:
	default:
		Logger.Warningf("Listener %s has too many pending connections, closing %s", s.id, conn.RemoteAddr())
		conn.Close()
	}
}

// requestConnection asks the client for a secondary connection and waits for it
func (s *session) requestConnection(ctx context.Context) (net.Conn, error) {
	// a connection left over from a request that gave up
	select {
	case conn := <-s.pending:
		return conn, nil
	default:
	}

	if err := s.send(cmdCreate); err != nil {
		return nil, fmt.Errorf("failed to request connection from %s: %v", s.id, err)
	}

	select {
	case conn := <-s.pending:
		return conn, nil
	case <-s.closed:
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, s.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close shuts the session down, reporting whether this call closed it
func (s *session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		close(s.closed)
		s.control.Close()
		if s.transport != nil {
			s.transport.Close()
		}
		for {
			select {
			case conn := <-s.pending:
				conn.Close()
			default:
				return
			}
		}
	})
	return closed
}

// -----------------------------------------------------------
// Session Connector
// -----------------------------------------------------------

// sessionConnector implements base.IClientConnector on top of the secondary
// connections of one session, so callbacks use the regular connection pool
type sessionConnector struct {
	session *session
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *sessionConnector) GetName() string {
	return "bisocket"
}

func (c *sessionConnector) Connect(ctx context.Context, _ string, _ common.ClientConfig) (net.Conn, error) {
	return c.session.requestConnection(ctx)
}

func (c *sessionConnector) UpgradeConnection(conn net.Conn, _ common.ClientConfig) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}
