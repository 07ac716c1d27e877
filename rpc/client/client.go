package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"time"
)

var (
	Logger = logger.GetLogger("rpc")
)

// ErrRemote means the server answered with an error response
var ErrRemote = errors.New("remote error")

// NewRPCClient connects the transport and returns a client invoking
// subsystems through it
//
// Usage:
//
//	c, err := client.NewRPCClient(
//		common.DefaultClientConfig("localhost:8080"),
//		tcp.NewTCPClientTransport(serializer.NewBinarySerializer()),
//	)
//	if err != nil {
//		panic(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Invoke(ctx, "echo", []byte("hello"), nil)
func NewRPCClient(config common.ClientConfig, transport transport.IRPCClientTransport) (*RPCClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	Logger.Infof("Created RPC Client for %v", config.Transport.Endpoints)

	return &RPCClient{
		config:    config,
		transport: transport,
		latency:   metrics.NewTimer(),
		errors:    metrics.NewCounter(),
		oneway:    metrics.NewCounter(),
	}, nil
}

// RPCClient invokes subsystems on a server and records the latency of every
// invocation
type RPCClient struct {
	config    common.ClientConfig
	transport transport.IRPCClientTransport
	latency   metrics.Timer
	errors    metrics.Counter
	oneway    metrics.Counter
}

// Stats summarizes the invocations of a client
type Stats struct {
	Invocations int64
	Oneway      int64
	Errors      int64
	Mean        time.Duration
	P50         time.Duration
	P99         time.Duration
	Max         time.Duration
	Rate        float64 // invocations per second, one minute moving average
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Invoke sends payload to subsystem and returns the response payload.
// Error responses are returned as ErrRemote.
func (c *RPCClient) Invoke(ctx context.Context, subsystem string, payload []byte, meta map[string]string) ([]byte, error) {
	start := time.Now()
	resp, err := c.transport.Invoke(ctx, common.NewInvocationRequest(subsystem, payload, meta))
	c.latency.UpdateSince(start)
	if err != nil {
		c.errors.Inc(1)
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		c.errors.Inc(1)
		return nil, err
	}
	return resp.Payload, nil
}

// InvokeOneway sends payload to subsystem without waiting for a response
func (c *RPCClient) InvokeOneway(ctx context.Context, subsystem string, payload []byte, meta map[string]string) error {
	c.oneway.Inc(1)
	if _, err := c.transport.Invoke(ctx, common.NewOnewayRequest(subsystem, payload, meta)); err != nil {
		c.errors.Inc(1)
		return err
	}
	return nil
}

// Stats returns a snapshot of the invocation statistics
func (c *RPCClient) Stats() Stats {
	snapshot := c.latency.Snapshot()
	ps := snapshot.Percentiles([]float64{0.5, 0.99})
	return Stats{
		Invocations: snapshot.Count(),
		Oneway:      c.oneway.Count(),
		Errors:      c.errors.Count(),
		Mean:        time.Duration(snapshot.Mean()),
		P50:         time.Duration(ps[0]),
		P99:         time.Duration(ps[1]),
		Max:         time.Duration(snapshot.Max()),
		Rate:        snapshot.Rate1(),
	}
}

// Close closes the underlying transport
func (c *RPCClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// checkResponse converts error responses and unexpected message types into errors
func checkResponse(resp *common.Message) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", common.ErrDecode)
	}
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return fmt.Errorf("%w: %s", ErrRemote, resp.Err)
	}
	if resp.MsgType != common.MsgTResponse {
		return fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, common.MsgTResponse)
	}
	return nil
}
