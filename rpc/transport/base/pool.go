package base

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// defaultMaxPoolSize is used for addresses without a configured pool size
const defaultMaxPoolSize = 50

// Dialer opens a raw connection to addr. The context carries the connect timeout.
type Dialer func(ctx context.Context, addr ServerAddress) (net.Conn, error)

// -----------------------------------------------------------
// Pool Manager
// -----------------------------------------------------------

// PoolManager owns one ConnectionPool per ServerAddress. Pools are created
// lazily on first use and live until the manager is closed.
type PoolManager struct {
	pools  *xsync.MapOf[ServerAddress, *ConnectionPool]
	dial   Dialer
	wrap   WrapperFactory
	closed atomic.Bool
}

// NewPoolManager creates a pool manager dialing new connections with dial
// and wrapping them with wrap
func NewPoolManager(dial Dialer, wrap WrapperFactory) *PoolManager {
	if wrap == nil {
		wrap = NewClientSocketWrapper
	}
	return &PoolManager{
		pools: xsync.NewMapOf[ServerAddress, *ConnectionPool](),
		dial:  dial,
		wrap:  wrap,
	}
}

// Pool returns the pool for addr, creating it if needed. After Close it
// returns a closed pool that is not tracked by the manager.
func (m *PoolManager) Pool(addr ServerAddress) *ConnectionPool {
	if m.closed.Load() {
		return m.closedPool(addr)
	}
	pool, _ := m.pools.LoadOrCompute(addr, func() *ConnectionPool {
		return newConnectionPool(addr, m.dial, m.wrap)
	})
	// Close may have walked the map before the pool was stored
	if m.closed.Load() {
		m.pools.Delete(addr)
		pool.close()
	}
	return pool
}

// Flush closes the idle connections of all pools
func (m *PoolManager) Flush() {
	m.pools.Range(func(_ ServerAddress, pool *ConnectionPool) bool {
		pool.Flush()
		return true
	})
}

// Close closes all pools. Leased connections are closed when released.
func (m *PoolManager) Close() {
	m.closed.Store(true)
	m.pools.Range(func(addr ServerAddress, pool *ConnectionPool) bool {
		pool.close()
		m.pools.Delete(addr)
		return true
	})
}

// -----------------------------------------------------------
// Connection Pool
// -----------------------------------------------------------

// PoolStats is a snapshot of a pool's counters
type PoolStats struct {
	Idle    int
	InUse   int
	Created int
}

// ConnectionPool holds the idle connections to one server address. A
// semaphore with one permit per connection bounds idle plus leased
// connections to the pool capacity.
type ConnectionPool struct {
	address  ServerAddress
	capacity int
	dial     Dialer
	wrap     WrapperFactory
	sem      *semaphore.Weighted

	mu     sync.Mutex
	idle   []*SocketWrapper // LIFO, the most recently released connection is reused first
	closed bool

	inUse   atomic.Int64
	created atomic.Int64

	// onAcquire is a test-only hook observing every successful acquire
	onAcquire func(w *SocketWrapper, reused bool)
}

func newConnectionPool(addr ServerAddress, dial Dialer, wrap WrapperFactory) *ConnectionPool {
	capacity := addr.MaxPoolSize
	if capacity <= 0 {
		capacity = defaultMaxPoolSize
	}
	return &ConnectionPool{
		address:  addr,
		capacity: capacity,
		dial:     dial,
		wrap:     wrap,
		sem:      semaphore.NewWeighted(int64(capacity)),
		idle:     make([]*SocketWrapper, 0, capacity),
	}
}

// Address returns the address served by this pool
func (p *ConnectionPool) Address() ServerAddress {
	return p.address
}

// Capacity returns the maximum number of connections
func (p *ConnectionPool) Capacity() int {
	return p.capacity
}

// Acquire leases a connection. It waits at most wait for a free permit and
// fails with common.ErrPoolTimeout otherwise. With preferPooled an idle
// connection is reused (after a liveness check if check is set); a failed
// check closes that connection and a new one is dialed. reused reports
// whether the returned connection came from the pool.
//
// Every successful Acquire must be paired with exactly one Release.
func (p *ConnectionPool) Acquire(ctx context.Context, wait time.Duration, preferPooled, check bool) (w *SocketWrapper, reused bool, err error) {
	if p.isClosed() {
		return nil, false, fmt.Errorf("%w: pool for %s", common.ErrTransportClosed, p.address.Endpoint())
	}
	if err := p.acquirePermit(ctx, wait); err != nil {
		return nil, false, err
	}

	if preferPooled {
		if w = p.popIdle(); w != nil {
			if !check {
				return p.lease(w, true), true, nil
			}
			checkErr := w.CheckConnection()
			if checkErr == nil {
				return p.lease(w, true), true, nil
			}
			poolCheckFailures.Inc()
			Logger.Debugf("Pooled connection %s to %s failed liveness check: %v", w, p.address.Endpoint(), checkErr)
			w.Close()
		}
	}

	w, err = p.connect(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, false, err
	}
	return p.lease(w, false), false, nil
}

// Release returns a leased connection. Reusable connections go back to the
// idle list while there is room, all others are closed. The permit is
// returned in any case. Releasing a connection twice is logged and ignored.
func (p *ConnectionPool) Release(w *SocketWrapper, reusable bool) {
	if w == nil {
		return
	}
	if !w.leased.CompareAndSwap(true, false) {
		Logger.Warningf("Connection %s to %s released twice, ignoring", w, p.address.Endpoint())
		return
	}
	p.inUse.Add(-1)

	if reusable && !w.IsClosed() {
		p.mu.Lock()
		if !p.closed && len(p.idle) < p.capacity {
			p.idle = append(p.idle, w)
			w = nil
		}
		p.mu.Unlock()
	}
	if w != nil {
		w.Close()
	}

	p.sem.Release(1)
}

// Flush closes all idle connections
func (p *ConnectionPool) Flush() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make([]*SocketWrapper, 0, p.capacity)
	p.mu.Unlock()

	for _, w := range idle {
		w.Close()
	}
	poolFlushes.Inc()
	Logger.Debugf("Flushed %d idle connections to %s", len(idle), p.address.Endpoint())
}

// Stats returns a snapshot of the pool counters
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Idle:    idle,
		InUse:   int(p.inUse.Load()),
		Created: int(p.created.Load()),
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (p *ConnectionPool) acquirePermit(ctx context.Context, wait time.Duration) error {
	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		// the caller's own deadline or cancellation wins over the pool wait
		if ctx.Err() != nil {
			return ctx.Err()
		}
		poolTimeouts.Inc()
		return fmt.Errorf("%w: %s after %s", common.ErrPoolTimeout, p.address.Endpoint(), wait)
	}
	return nil
}

func (p *ConnectionPool) popIdle() *SocketWrapper {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	w := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return w
}

func (p *ConnectionPool) connect(ctx context.Context) (*SocketWrapper, error) {
	conn, err := p.dial(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrCannotConnect, p.address.Endpoint(), err)
	}
	poolSocketsCreated.Inc()
	p.created.Add(1)
	return p.wrap(conn, p.address.Timeout), nil
}

func (p *ConnectionPool) lease(w *SocketWrapper, reused bool) *SocketWrapper {
	w.leased.Store(true)
	p.inUse.Add(1)
	if p.onAcquire != nil {
		p.onAcquire(w, reused)
	}
	return w
}

func (m *PoolManager) closedPool(addr ServerAddress) *ConnectionPool {
	pool := newConnectionPool(addr, m.dial, m.wrap)
	pool.close()
	return pool
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ConnectionPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Flush()
}
