package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"math/rand"
	"net"
	"regexp"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint. The context
	// carries the connect timeout.
	Connect(ctx context.Context, endpoint string, config common.ClientConfig) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientTransport implements the invocation engine independent of the
// specific transport medium (unix, tcp, etc.). Each invocation leases one
// pooled connection for its whole request/response exchange.
type clientTransport struct {
	connector  IClientConnector
	serializer serializer.IRPCSerializer
	wrap       WrapperFactory
	next       atomic.Uint64

	// session is swapped by Connect and Close. An invocation loads it once
	// and uses it to the end, even if it is replaced or closed meanwhile.
	session atomic.Pointer[clientSession]
}

// clientSession is the state set up by one Connect. It is never modified.
type clientSession struct {
	config    common.ClientConfig
	addresses []ServerAddress
	retriable *regexp.Regexp
	pools     *PoolManager
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, s serializer.IRPCSerializer) transport.IRPCClientTransport {
	return newClientTransport(connector, s)
}

func newClientTransport(connector IClientConnector, s serializer.IRPCSerializer) *clientTransport {
	return &clientTransport{
		connector:  connector,
		serializer: s,
		wrap:       NewClientSocketWrapper,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	cfg := config.Transport
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	session := &clientSession{config: config}
	if cfg.GeneralizeSocketErrors {
		pattern := cfg.RetriableErrorPattern
		if pattern == "" {
			pattern = common.DefaultRetriableErrorPattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid retriable error pattern: %v", err)
		}
		session.retriable = re
	}

	addresses := make([]ServerAddress, 0, len(cfg.Endpoints))
	for _, endpoint := range cfg.Endpoints {
		addr, err := ParseServerAddress(endpoint, cfg)
		if err != nil {
			return err
		}
		addresses = append(addresses, addr)
	}

	session.addresses = addresses
	session.pools = NewPoolManager(func(ctx context.Context, addr ServerAddress) (net.Conn, error) {
		return t.dial(ctx, session, addr)
	}, t.wrap)

	if previous := t.session.Swap(session); previous != nil {
		previous.pools.Close()
	}

	Logger.Infof("Client transport %s ready for %d endpoint(s), max %d connections each",
		t.connector.GetName(), len(addresses), addresses[0].MaxPoolSize)
	return nil
}

func (t *clientTransport) Invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	session := t.session.Load()
	if session == nil {
		return nil, common.ErrTransportClosed
	}
	clientInvocations.Inc()
	start := time.Now()
	defer clientDuration.UpdateDuration(start)

	cfg := session.config.Transport

	// the time budget covers all attempts, including pool waits and backoff
	budget := cfg.InvocationTimeout
	if d, ok := req.Timeout(); ok {
		budget = d
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	addr := t.nextAddress(session)
	pool := session.pools.Pool(addr)

	retries := cfg.RetryCount
	if retries < 1 {
		retries = 1
	}
	backoff := cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			clientFailures.Inc()
			return nil, t.contextError(err, budget, lastErr)
		}

		remaining := retries - attempt
		if attempt > 0 && remaining == cfg.FlushPoolAtRemaining {
			// pooled connections are likely stale as well
			pool.Flush()
		}
		lastAttempt := remaining == 1

		resp, err := t.attempt(ctx, session, pool, req, !lastAttempt)
		if err == nil {
			return resp, nil
		}

		switch {
		case errors.Is(err, common.ErrPoolTimeout), errors.Is(err, common.ErrTransportClosed):
			clientFailures.Inc()
			return nil, err
		case ctx.Err() != nil:
			clientFailures.Inc()
			return nil, t.contextError(ctx.Err(), budget, err)
		case !session.isRetriable(err):
			clientFailures.Inc()
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: %w: %v", common.ErrInvocationFailure, common.ErrTimeout, err)
			}
			return nil, fmt.Errorf("%w: %w", common.ErrInvocationFailure, err)
		}

		lastErr = err
		Logger.Debugf("Invocation attempt %d/%d to %s failed: %v", attempt+1, retries, addr.Endpoint(), err)

		if !lastAttempt {
			clientRetries.Inc()
			if backoff > 0 {
				// Exponential backoff with a small random jitter (+-10%)
				jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
				if err := sleepContext(ctx, jitter); err != nil {
					clientFailures.Inc()
					return nil, t.contextError(err, budget, lastErr)
				}
				backoff *= 2
			}
		}
	}

	// All attempts failed
	clientFailures.Inc()
	if errors.Is(lastErr, common.ErrCannotConnect) {
		return nil, fmt.Errorf("failed to invoke %s after %d attempts: %w", addr.Endpoint(), retries, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", common.ErrCannotConnect, addr.Endpoint(), retries, lastErr)
}

func (t *clientTransport) Close() error {
	session := t.session.Swap(nil)
	if session == nil {
		return nil
	}
	// invocations still holding the session fail with ErrTransportClosed
	// on their next attempt, their leased connections are closed on release
	session.pools.Close()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// attempt performs one request/response exchange on a leased connection
func (t *clientTransport) attempt(ctx context.Context, session *clientSession, pool *ConnectionPool, req *common.Message, preferPooled bool) (*common.Message, error) {
	cfg := session.config.Transport

	wait := cfg.PoolWaitTimeout
	if remaining, ok := remainingTime(ctx); ok && (wait <= 0 || remaining < wait) {
		wait = remaining
	}

	w, _, err := pool.Acquire(ctx, wait, preferPooled, cfg.CheckConnection)
	if err != nil {
		return nil, err
	}

	resp, reusable, err := t.exchange(ctx, session, w, pool.Address().Timeout, req)
	pool.Release(w, err == nil && reusable)
	return resp, err
}

// exchange writes the request and, unless it is oneway, reads the response.
// reusable is false if the connection must not go back to the pool.
func (t *clientTransport) exchange(ctx context.Context, session *clientSession, w *SocketWrapper, timeout time.Duration, req *common.Message) (resp *common.Message, reusable bool, err error) {
	cfg := session.config.Transport
	w.SetTimeout(capTimeout(ctx, timeout))

	version := session.versionFor(req)
	if version != common.Version1 {
		if err := w.writeVersion(version); err != nil {
			return nil, false, err
		}
	}
	if err := w.writeMessage(t.serializer, req); err != nil {
		return nil, false, err
	}
	if err := w.flush(); err != nil {
		return nil, false, err
	}

	if req.IsOneway() {
		if version != common.Version2_2 {
			return nil, true, nil
		}
		// the server acknowledges with the version byte once it read the request
		w.SetTimeout(capTimeout(ctx, cfg.OnewayAckTimeout))
		if _, err := w.readVersion(); err != nil {
			if isTimeout(err) {
				// a late acknowledgement would corrupt the next exchange
				Logger.Debugf("No oneway acknowledgement from %s within %s", w, cfg.OnewayAckTimeout)
				return nil, false, nil
			}
			return nil, false, err
		}
		return nil, true, nil
	}

	if version != common.Version1 {
		v, err := w.readVersion()
		if err != nil {
			return nil, false, err
		}
		if !isSupportedVersion(v) {
			return nil, false, fmt.Errorf("%w: %d", common.ErrUnsupportedVersion, v)
		}
	}

	resp = &common.Message{}
	if err := w.readMessage(t.serializer, resp, cfg.MaxMessageSize); err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

// dial opens and upgrades a new connection, bounded by the connect timeout
func (t *clientTransport) dial(ctx context.Context, session *clientSession, addr ServerAddress) (net.Conn, error) {
	if d := session.config.Transport.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	conn, err := t.connector.Connect(ctx, addr.Endpoint(), session.config)
	if err != nil {
		return nil, err
	}

	// Upgrade the connection with protocol-specific settings
	if err := t.connector.UpgradeConnection(conn, session.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", addr.Endpoint(), err)
	}
	return conn, nil
}

// versionFor picks the version byte of a request. Oneway requests use
// Version2_2 exactly when an acknowledgement is awaited.
func (s *clientSession) versionFor(req *common.Message) byte {
	cfg := s.config.Transport
	version := normalizeVersion(cfg.ProtocolVersion)
	if version == common.Version1 {
		return version
	}
	if req.IsOneway() {
		if cfg.OnewayAckTimeout > 0 {
			return common.Version2_2
		}
		return common.Version2
	}
	return version
}

// isRetriable reports whether a failed attempt may be repeated on another connection
func (s *clientSession) isRetriable(err error) bool {
	switch {
	case errors.Is(err, common.ErrCannotConnect):
		return true
	case errors.Is(err, common.ErrUnsupportedVersion),
		errors.Is(err, common.ErrDecode),
		errors.Is(err, common.ErrMessageTooLarge):
		return false
	case isTimeout(err):
		return false
	case isDisconnect(err):
		return true
	case s.retriable != nil && s.retriable.MatchString(err.Error()):
		return true
	default:
		return false
	}
}

// contextError converts an expired or canceled context into the error returned to the caller
func (t *clientTransport) contextError(ctxErr error, budget time.Duration, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastErr != nil {
			return fmt.Errorf("%w after %s: %v", common.ErrTimeout, budget, lastErr)
		}
		return fmt.Errorf("%w after %s", common.ErrTimeout, budget)
	}
	return ctxErr
}

// nextAddress selects the next server address via Round Robin
func (t *clientTransport) nextAddress(session *clientSession) ServerAddress {
	addresses := session.addresses
	if len(addresses) == 1 {
		return addresses[0]
	}
	index := t.next.Add(1) % uint64(len(addresses))
	return addresses[index]
}

// remainingTime returns the time left until the context deadline
func remainingTime(ctx context.Context) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// capTimeout limits a socket timeout to the remaining time budget
func capTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	remaining, ok := remainingTime(ctx)
	if !ok {
		return timeout
	}
	if remaining <= 0 {
		// an expired budget must not turn into "no timeout"
		remaining = time.Millisecond
	}
	if timeout <= 0 || remaining < timeout {
		return remaining
	}
	return timeout
}

// sleepContext sleeps for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
