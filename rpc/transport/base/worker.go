package base

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"sync"
	"sync/atomic"
	"time"
)

// workerState is the lifecycle state of a serverWorker
type workerState int32

const (
	stateNew workerState = iota
	stateFirstInvocation
	stateServing
	stateAwaitingReuse
	stateShutdown
)

func (s workerState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateFirstInvocation:
		return "first-invocation"
	case stateServing:
		return "serving"
	case stateAwaitingReuse:
		return "awaiting-reuse"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// serverWorker is a goroutine serving one connection at a time. Between
// connections it waits in the server's threadpool until it is handed a new
// connection through assign or told to stop through done.
type serverWorker struct {
	id     uint64
	server *ServerTransport

	assign   chan *SocketWrapper
	done     chan struct{}
	doneOnce sync.Once

	// shutdown is written under the server lock
	shutdown atomic.Bool
	state    atomic.Int32

	// evictMu guards the evictable window and the current wrapper
	evictMu        sync.Mutex
	wrapper        *SocketWrapper
	evictable      bool
	evictableSince time.Time

	running     atomic.Bool
	processing  atomic.Bool
	invocations atomic.Int64
	lastRequest atomic.Int64 // unix nanos
}

func newServerWorker(server *ServerTransport, id uint64) *serverWorker {
	w := &serverWorker{
		id:     id,
		server: server,
		assign: make(chan *SocketWrapper, 1),
		done:   make(chan struct{}),
	}
	w.touch()
	return w
}

func (w *serverWorker) String() string {
	return fmt.Sprintf("worker-%d", w.id)
}

// run serves connections until the worker is shut down
func (w *serverWorker) run(wrapper *SocketWrapper) {
	liveWorkers.Add(1)
	defer func() {
		w.state.Store(int32(stateShutdown))
		liveWorkers.Add(-1)

		s := w.server
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
		s.notifySlotFreed()
		s.workerWg.Done()
	}()

	for wrapper != nil {
		w.serve(wrapper)
		wrapper = w.awaitReuse()
	}
	Logger.Debugf("%s shut down", w)
}

// serve processes invocations on one connection until it is closed, times
// out, fails or the worker is evicted
func (w *serverWorker) serve(wrapper *SocketWrapper) {
	if w.shutdown.Load() {
		wrapper.Close()
		return
	}

	// reset the per-connection state
	w.evictMu.Lock()
	w.wrapper = wrapper
	w.evictable = false
	w.evictableSince = time.Time{}
	w.invocations.Store(0)
	w.running.Store(true)
	w.evictMu.Unlock()
	w.state.Store(int32(stateFirstInvocation))
	w.touch()

	cfg := w.server.config.Transport
	first := true

serving:
	for w.running.Load() {
		err := w.processInvocation(wrapper, first)
		if err == nil {
			if first {
				first = false
				w.state.Store(int32(stateServing))
			}
			continue
		}

		switch {
		case errors.Is(err, errEvicted):
			Logger.Debugf("%s evicted from %s", w, wrapper)
		case errors.Is(err, errWaitTimeout):
			if cfg.ContinueAfterTimeout && w.running.Load() {
				continue serving
			}
			Logger.Debugf("%s: %s idle for %s, closing", w, wrapper, cfg.SocketTimeout)
		case isDisconnect(err):
			Logger.Debugf("%s: connection %s closed by peer", w, wrapper)
		case isTimeout(err):
			Logger.Debugf("%s: connection %s timed out: %v", w, wrapper, err)
		default:
			Logger.Warningf("%s: closing connection %s: %v", w, wrapper, err)
		}
		break serving
	}

	w.evictMu.Lock()
	w.running.Store(false)
	w.evictable = false
	w.wrapper = nil
	w.evictMu.Unlock()
	wrapper.Close()
}

// processInvocation handles exactly one request on the connection
func (w *serverWorker) processInvocation(wrapper *SocketWrapper, first bool) error {
	cfg := w.server.config.Transport
	version := normalizeVersion(cfg.ProtocolVersion)

	// Block for the next invocation. Only here may the worker be evicted.
	if !first && cfg.CheckConnection {
		if err := w.blockEvictable(wrapper.AnswerConnectionCheck); err != nil {
			return err
		}
	}
	if version == common.Version1 {
		if err := w.blockEvictable(wrapper.awaitData); err != nil {
			return err
		}
	} else {
		var v byte
		err := w.blockEvictable(func() (err error) {
			v, err = wrapper.readVersion()
			return err
		})
		if err != nil {
			return err
		}
		if !isSupportedVersion(v) {
			return fmt.Errorf("%w: %d", common.ErrUnsupportedVersion, v)
		}
		version = v
	}

	w.processing.Store(true)
	defer w.processing.Store(false)
	w.touch()

	req := &common.Message{}
	if err := wrapper.readMessage(w.server.serializer, req, cfg.MaxMessageSize); err != nil {
		return err
	}
	w.invocations.Add(1)
	serverInvocations.Inc()

	if req.IsOneway() {
		if version == common.Version2_2 {
			if err := wrapper.writeVersion(version); err != nil {
				return err
			}
			if err := wrapper.flush(); err != nil {
				return err
			}
		}
		w.handle(req)
		w.touch()
		return nil
	}

	resp := w.handle(req)
	if version != common.Version1 {
		if err := wrapper.writeVersion(version); err != nil {
			return err
		}
	}
	if err := wrapper.writeMessage(w.server.serializer, resp); err != nil {
		return err
	}
	if err := wrapper.flush(); err != nil {
		return err
	}
	w.touch()
	return nil
}

// handle runs the registered handler, converting panics into error responses
func (w *serverWorker) handle(req *common.Message) (resp *common.Message) {
	start := time.Now()
	defer func() {
		serverHandlerDuration.UpdateDuration(start)
		if r := recover(); r != nil {
			Logger.Errorf("%s: handler panicked for subsystem %q: %v", w, req.Subsystem, r)
			resp = common.NewErrorResponse(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	handler := w.server.handler
	if handler == nil {
		return common.NewErrorResponse("no handler registered")
	}
	resp = handler(req)
	if resp == nil {
		resp = common.NewResponse(nil, nil)
	}
	return resp
}

// blockEvictable runs a blocking read inside the evictable window. If the
// worker was evicted meanwhile, errEvicted is returned instead of the read
// error. Timeouts are wrapped in errWaitTimeout.
func (w *serverWorker) blockEvictable(read func() error) error {
	w.evictMu.Lock()
	if !w.running.Load() {
		w.evictMu.Unlock()
		return errEvicted
	}
	w.evictable = true
	w.evictableSince = time.Now()
	w.evictMu.Unlock()

	err := read()

	w.evictMu.Lock()
	w.evictable = false
	evicted := !w.running.Load()
	w.evictMu.Unlock()

	switch {
	case evicted:
		return errEvicted
	case err != nil && isTimeout(err):
		return fmt.Errorf("%w: %v", errWaitTimeout, err)
	default:
		return err
	}
}

// evict closes the worker's connection if it is blocked waiting for the
// next invocation. Workers that have not served an invocation yet are
// protected for the eviction grace period. Called with the server lock held.
func (w *serverWorker) evict() bool {
	w.evictMu.Lock()
	defer w.evictMu.Unlock()

	if !w.evictable || w.wrapper == nil || !w.running.Load() {
		return false
	}
	grace := w.server.config.Transport.EvictionGracePeriod
	if w.invocations.Load() == 0 && time.Since(w.evictableSince) < grace {
		return false
	}

	w.running.Store(false)
	serverEvictions.Inc()
	Logger.Debugf("Evicting %s from %s after %d invocation(s)", w, w.wrapper, w.invocations.Load())
	w.wrapper.CloseGracefully()
	return true
}

// awaitReuse moves the worker into the threadpool and waits for the next
// connection. It returns nil once the worker is shut down.
func (w *serverWorker) awaitReuse() *SocketWrapper {
	s := w.server

	s.mu.Lock()
	s.clientpool.Remove(w)
	if w.shutdown.Load() || s.stopping {
		s.mu.Unlock()
		return nil
	}
	w.state.Store(int32(stateAwaitingReuse))
	s.threadpool = append(s.threadpool, w)
	s.mu.Unlock()
	s.notifySlotFreed()

	select {
	case wrapper := <-w.assign:
		return wrapper
	case <-w.done:
		// a connection handed over right before the shutdown
		select {
		case wrapper := <-w.assign:
			wrapper.Close()
		default:
		}
		return nil
	}
}

// shutdownLocked stops the worker and closes its connection. The caller
// holds the server lock and removes the worker from both pools.
func (w *serverWorker) shutdownLocked() {
	w.shutdown.Store(true)
	w.doneOnce.Do(func() { close(w.done) })

	w.evictMu.Lock()
	w.running.Store(false)
	wrapper := w.wrapper
	w.evictMu.Unlock()

	if wrapper != nil {
		wrapper.CloseGracefully()
	}
}

func (w *serverWorker) touch() {
	w.lastRequest.Store(time.Now().UnixNano())
}

func (w *serverWorker) lastActive() time.Time {
	return time.Unix(0, w.lastRequest.Load())
}

func (w *serverWorker) currentState() workerState {
	return workerState(w.state.Load())
}
