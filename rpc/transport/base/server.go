package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
	"net"
	"sync"
	"time"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

const (
	defaultServerPoolSize = 300
	// acceptRetryDelay is the pause after a failed Accept
	acceptRetryDelay = 50 * time.Millisecond
	// workerStopTimeout bounds how long Close waits for busy workers
	workerStopTimeout = 5 * time.Second
)

// -----------------------------------------------------------
// Server Transport
// -----------------------------------------------------------

// ServerTransport accepts connections and hands each one to a worker
// goroutine. Workers serving a connection are tracked in the clientpool (an
// LRU used to evict idle connections when the pool is exhausted), workers
// without a connection wait in the threadpool for reuse.
type ServerTransport struct {
	connector  IServerConnector
	serializer serializer.IRPCSerializer
	handler    transport.ServerHandleFunc
	config     common.ServerConfig

	// mu guards the pools, the live counter and the stopping flag
	mu          sync.Mutex
	clientpool  *EvictionPool[*serverWorker]
	threadpool  []*serverWorker
	// live counts worker goroutines until they exit. An evicted or reaped
	// worker leaves the clientpool before its goroutine ends, so the pool
	// ceiling is checked against live.
	live        int
	nextID      uint64
	initialized bool
	stopping    bool

	listener  net.Listener
	limiter   *rate.Limiter
	slotFreed chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	acceptWg  sync.WaitGroup
	workerWg  sync.WaitGroup
	closeOnce sync.Once

	// onAssign is a test-only hook called under the pool lock whenever a
	// worker is given a connection
	onAssign func(w *serverWorker, reused bool)
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the specified connector.
// The connector may be nil if connections are only supplied through Dispatch.
func NewBaseServerTransport(connector IServerConnector, s serializer.IRPCSerializer) *ServerTransport {
	return &ServerTransport{
		connector:  connector,
		serializer: s,
		slotFreed:  make(chan struct{}, 1),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *ServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *ServerTransport) Start(config common.ServerConfig) error {
	if t.connector == nil {
		return fmt.Errorf("server transport has no connector")
	}
	if err := t.Init(config); err != nil {
		return err
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(t.config)
	if err != nil {
		t.Close()
		return fmt.Errorf("failed to create listener: %v", err)
	}

	cfg := t.config.Transport
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}
	t.listener = listener

	Logger.Infof("Starting %s server on %s with %d accept thread(s) and max %d workers",
		t.connector.GetName(), listener.Addr(), cfg.AcceptThreads, cfg.MaxPoolSize)
	if cfg.Backlog > 0 {
		Logger.Debugf("Requested backlog %d, the system default is used", cfg.Backlog)
	}

	for i := 0; i < cfg.AcceptThreads; i++ {
		t.acceptWg.Add(1)
		go t.acceptLoop(i)
	}
	return nil
}

func (t *ServerTransport) Listen(config common.ServerConfig) error {
	if err := t.Start(config); err != nil {
		return err
	}
	<-t.ctx.Done()
	return nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	if !initialized {
		return nil
	}

	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.stopping = true
		workers := append(t.clientpool.Entries(), t.threadpool...)
		for _, w := range workers {
			t.clientpool.Remove(w)
			w.shutdownLocked()
		}
		t.threadpool = nil
		t.mu.Unlock()

		t.cancel()
		if t.listener != nil {
			if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				Logger.Warningf("Failed to close listener: %v", err)
			}
		}
		t.acceptWg.Wait()

		stopped := make(chan struct{})
		go func() {
			t.workerWg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(workerStopTimeout):
			Logger.Warningf("Workers did not stop within %s", workerStopTimeout)
		}
		Logger.Infof("Server transport stopped, %d worker(s) shut down", len(workers))
	})
	return nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Init prepares the worker pool and the idle reaper without opening a
// listener. Start calls it; transports fed only through Dispatch call it
// directly.
func (t *ServerTransport) Init(config common.ServerConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return fmt.Errorf("server transport already started")
	}

	cfg := &config.Transport
	if cfg.AcceptThreads <= 0 {
		cfg.AcceptThreads = 1
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = defaultServerPoolSize
	}
	if cfg.WorkerWaitInterval <= 0 {
		cfg.WorkerWaitInterval = time.Second
	}
	cfg.ProtocolVersion = normalizeVersion(cfg.ProtocolVersion)

	t.config = config
	t.clientpool = NewEvictionPool[*serverWorker](cfg.MaxPoolSize, (*serverWorker).evict)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	if cfg.MaxAcceptRate > 0 {
		burst := int(cfg.MaxAcceptRate)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.MaxAcceptRate), burst)
	}
	t.initialized = true

	if cfg.IdleTimeout > 0 {
		go t.runIdleReaper()
	}
	return nil
}

// Addr returns the listening address, nil before Start
func (t *ServerTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dispatch hands a connection to a worker. If the worker pool is exhausted
// it evicts the least recently assigned idle connection and waits for a
// worker to become free. It only fails once the transport is closed.
func (t *ServerTransport) Dispatch(conn net.Conn) error {
	wrapper := NewServerSocketWrapper(conn, t.config.Transport.SocketTimeout)

	for {
		t.mu.Lock()
		if !t.initialized || t.stopping {
			t.mu.Unlock()
			wrapper.Close()
			return common.ErrTransportClosed
		}
		// tokens sent before this point are covered by the state seen below
		t.drainSlotFreed()
		if t.assignLocked(wrapper) {
			t.mu.Unlock()
			return nil
		}
		evicted := t.clientpool.Evict()
		live := t.live
		t.mu.Unlock()

		if !evicted {
			Logger.Warningf("All %d workers busy, waiting for a free worker for %s", live, wrapper)
		}

		select {
		case <-t.slotFreed:
		case <-time.After(t.config.Transport.WorkerWaitInterval):
		case <-t.ctx.Done():
			wrapper.Close()
			return common.ErrTransportClosed
		}
	}
}

// ServerStats is a snapshot of the worker pool
type ServerStats struct {
	Active int
	Idle   int
}

// Stats returns the number of workers serving a connection and waiting for reuse
func (t *ServerTransport) Stats() ServerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ServerStats{}
	}
	return ServerStats{Active: t.clientpool.Len(), Idle: len(t.threadpool)}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the listener is closed
func (t *ServerTransport) acceptLoop(id int) {
	defer t.acceptWg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Accept loop %d stopped", id)
				return
			}
			Logger.Errorf("Accept error: %v", err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		serverAccepted.Inc()

		if t.limiter != nil {
			if err := t.limiter.Wait(t.ctx); err != nil {
				conn.Close()
				return
			}
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		if err := t.Dispatch(conn); err != nil {
			Logger.Debugf("Dropped connection from %s: %v", conn.RemoteAddr(), err)
		}
	}
}

// assignLocked hands wrapper to an idle worker or a new one if fewer than
// MaxPoolSize worker goroutines are alive. The worker is registered in the
// clientpool before the lock is released, if that fails nothing is assigned.
// Called with t.mu held.
func (t *ServerTransport) assignLocked(wrapper *SocketWrapper) bool {
	if n := len(t.threadpool); n > 0 {
		w := t.threadpool[n-1]
		if !t.clientpool.Insert(w) {
			return false
		}
		t.threadpool[n-1] = nil
		t.threadpool = t.threadpool[:n-1]

		w.touch()
		if t.onAssign != nil {
			t.onAssign(w, true)
		}
		// buffered, never blocks
		w.assign <- wrapper
		serverWorkersReused.Inc()
		return true
	}

	if t.live >= t.config.Transport.MaxPoolSize {
		return false
	}

	t.nextID++
	w := newServerWorker(t, t.nextID)
	if !t.clientpool.Insert(w) {
		return false
	}
	if t.onAssign != nil {
		t.onAssign(w, false)
	}
	t.live++
	t.workerWg.Add(1)
	go w.run(wrapper)
	serverWorkersCreated.Inc()
	return true
}

// notifySlotFreed wakes one Dispatch waiting for a worker
func (t *ServerTransport) notifySlotFreed() {
	select {
	case t.slotFreed <- struct{}{}:
	default:
	}
}

// drainSlotFreed drops a pending wakeup. Called with t.mu held.
func (t *ServerTransport) drainSlotFreed() {
	select {
	case <-t.slotFreed:
	default:
	}
}
