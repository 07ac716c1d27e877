package bisocket

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/ValentinKolb/sockrpc/rpc/transport/base"
	"github.com/google/uuid"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------
// Callback Client
// -----------------------------------------------------------

// CallbackClient connects to a callback server and serves the callbacks it
// sends. The client keeps a control connection open and dials a secondary
// connection whenever the server asks for one; secondary connections are
// served by a listener-less base server transport.
type CallbackClient struct {
	serializer   serializer.IRPCSerializer
	config       common.ServerConfig
	pingInterval time.Duration
	handler      transport.ServerHandleFunc

	id       uuid.UUID
	endpoint string
	control  net.Conn
	workers  *base.ServerTransport
	writeMu  sync.Mutex
	lastPong atomic.Int64 // unix nanos

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCallbackClient creates a callback client. config configures the workers
// serving the callbacks; its endpoint is ignored.
func NewCallbackClient(s serializer.IRPCSerializer, config common.ServerConfig, pingInterval time.Duration) *CallbackClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallbackClient{
		serializer:   s,
		config:       config,
		pingInterval: pingIntervalOrDefault(pingInterval),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterHandler sets the handler invoked for every callback. It must be
// called before Connect.
func (c *CallbackClient) RegisterHandler(handler transport.ServerHandleFunc) {
	c.handler = handler
}

// Connect opens the control connection and returns the listener ID the
// server addresses callbacks to
func (c *CallbackClient) Connect(endpoint string) (uuid.UUID, error) {
	if c.control != nil {
		return uuid.Nil, fmt.Errorf("callback client already connected")
	}

	c.id = uuid.New()
	c.endpoint = endpoint

	conn, err := net.DialTimeout(network(endpoint), endpoint, headerTimeout)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", common.ErrCannotConnect, endpoint, err)
	}
	if err := writeHeader(conn, kindControl, c.id); err != nil {
		conn.Close()
		return uuid.Nil, fmt.Errorf("failed to register listener: %v", err)
	}

	c.workers = base.NewBaseServerTransport(nil, c.serializer)
	c.workers.RegisterHandler(c.handler)
	if err := c.workers.Init(c.config); err != nil {
		conn.Close()
		return uuid.Nil, err
	}

	c.control = conn
	c.lastPong.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.readControl()
	go c.ping()

	Logger.Infof("Registered callback listener %s at %s", c.id, endpoint)
	return c.id, nil
}

// ID returns the listener ID, uuid.Nil before Connect
func (c *CallbackClient) ID() uuid.UUID {
	return c.id
}

// Done is closed once the client is closed or lost its server
func (c *CallbackClient) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the control connection and all secondary connections
func (c *CallbackClient) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.control != nil {
			c.control.Close()
		}
		c.wg.Wait()
		if c.workers != nil {
			c.workers.Close()
		}
		Logger.Infof("Callback listener %s closed", c.id)
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readControl executes the server's commands until the control connection fails
func (c *CallbackClient) readControl() {
	defer c.wg.Done()
	defer c.cancel()

	buf := make([]byte, 1)
	for {
		if _, err := c.control.Read(buf); err != nil {
			if c.ctx.Err() == nil {
				Logger.Warningf("Control connection of %s lost: %v", c.id, err)
			}
			return
		}

		switch buf[0] {
		case cmdCreate:
			go c.openSecondary()
		case cmdPong:
			c.lastPong.Store(time.Now().UnixNano())
		default:
			Logger.Warningf("Unknown control command %d", buf[0])
		}
	}
}

// ping keeps the control connection alive and detects a silent server
func (c *CallbackClient) ping() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastPong.Load())) > missedPings*c.pingInterval {
				Logger.Warningf("No pong from %s for %s, closing listener %s", c.endpoint, missedPings*c.pingInterval, c.id)
				c.control.Close()
				return
			}
			c.writeMu.Lock()
			err := writeCommand(c.control, cmdPing)
			c.writeMu.Unlock()
			if err != nil {
				Logger.Warningf("Failed to ping %s: %v", c.endpoint, err)
				c.control.Close()
				return
			}
		}
	}
}

// openSecondary dials a secondary connection and hands it to the workers
func (c *CallbackClient) openSecondary() {
	conn, err := net.DialTimeout(network(c.endpoint), c.endpoint, headerTimeout)
	if err != nil {
		Logger.Warningf("Failed to open secondary connection to %s: %v", c.endpoint, err)
		return
	}
	if err := writeHeader(conn, kindSecondary, c.id); err != nil {
		Logger.Warningf("Failed to announce secondary connection: %v", err)
		conn.Close()
		return
	}
	if err := c.workers.Dispatch(conn); err != nil {
		Logger.Debugf("Secondary connection dropped: %v", err)
	}
}
