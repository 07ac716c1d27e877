package base

import (
	"context"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Test connectors
// --------------------------------------------------------------------------

// testClientConnector dials plain TCP and counts the dials
type testClientConnector struct {
	dials atomic.Int64
}

func (c *testClientConnector) Connect(ctx context.Context, endpoint string, _ common.ClientConfig) (net.Conn, error) {
	c.dials.Add(1)
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func (c *testClientConnector) GetName() string {
	return "test"
}

func (c *testClientConnector) UpgradeConnection(net.Conn, common.ClientConfig) error {
	return nil
}

// testServerConnector listens on plain TCP
type testServerConnector struct{}

func (c *testServerConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	return net.Listen("tcp", config.Endpoint)
}

func (c *testServerConnector) GetName() string {
	return "test"
}

func (c *testServerConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var testSerializer = serializer.NewBinarySerializer()

func echoHandler(req *common.Message) *common.Message {
	return common.NewResponse(req.Payload, nil)
}

func testServerConfig() common.ServerConfig {
	cfg := common.DefaultServerConfig("127.0.0.1:0")
	cfg.Transport.SocketTimeout = 5 * time.Second
	cfg.Transport.WorkerWaitInterval = 50 * time.Millisecond
	return cfg
}

// startServer starts a server transport on a random loopback port
func startServer(t *testing.T, cfg common.ServerConfig, handler transport.ServerHandleFunc, hook func(w *serverWorker, reused bool)) *ServerTransport {
	t.Helper()
	srv := NewBaseServerTransport(&testServerConnector{}, testSerializer)
	srv.RegisterHandler(handler)
	srv.onAssign = hook
	if err := srv.Start(cfg); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func testClientConfig(endpoint string) common.ClientConfig {
	cfg := common.DefaultClientConfig(endpoint)
	cfg.Transport.RetryBackoff = time.Millisecond
	cfg.Transport.SocketTimeout = 5 * time.Second
	cfg.Transport.ConnectTimeout = time.Second
	return cfg
}

// newTestClient connects a client transport to endpoint
func newTestClient(t *testing.T, cfg common.ClientConfig) (*clientTransport, *testClientConnector) {
	t.Helper()
	connector := &testClientConnector{}
	client := newClientTransport(connector, testSerializer)
	if err := client.Connect(cfg); err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, connector
}

// dialRaw opens a connection wrapped for manual protocol exchanges
func dialRaw(t *testing.T, addr net.Addr) *SocketWrapper {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	w := NewClientSocketWrapper(conn, 5*time.Second)
	t.Cleanup(func() { w.Close() })
	return w
}

// sendRequest writes one invocation on a raw connection
func sendRequest(t *testing.T, w *SocketWrapper, payload string) {
	t.Helper()
	if err := w.writeVersion(common.Version2); err != nil {
		t.Fatalf("write version: %v", err)
	}
	if err := w.writeMessage(testSerializer, common.NewInvocationRequest("test", []byte(payload), nil)); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if err := w.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// readResponse reads one response from a raw connection
func readResponse(w *SocketWrapper) (*common.Message, error) {
	if _, err := w.readVersion(); err != nil {
		return nil, err
	}
	resp := &common.Message{}
	if err := w.readMessage(testSerializer, resp, 0); err != nil {
		return nil, err
	}
	return resp, nil
}

// rawInvoke performs a full invocation on a raw connection
func rawInvoke(t *testing.T, w *SocketWrapper, payload string) *common.Message {
	t.Helper()
	sendRequest(t, w, payload)
	resp, err := readResponse(w)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// isEvictable reports whether a worker is blocked waiting for a request
func isEvictable(w *serverWorker) bool {
	w.evictMu.Lock()
	defer w.evictMu.Unlock()
	return w.evictable
}
