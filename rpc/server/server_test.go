package server

import (
	"bytes"
	"context"
	"errors"
	"github.com/ValentinKolb/sockrpc/rpc/client"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport/base"
	"github.com/ValentinKolb/sockrpc/rpc/transport/bisocket"
	"github.com/ValentinKolb/sockrpc/rpc/transport/tcp"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// freeEndpoint returns a loopback endpoint that was free a moment ago
func freeEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// startRPCServer starts a TCP RPC server and returns it with its endpoint
func startRPCServer(t *testing.T, config common.ServerConfig, adapters map[string]IRPCServerAdapter) (*RPCServer, string) {
	t.Helper()
	s := serializer.NewBinarySerializer()
	tr := tcp.NewTCPServerTransport(s)

	srv := NewRPCServer(config, tr, s)
	for name, adapter := range adapters {
		srv.RegisterAdapter(name, adapter)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, tr.(*base.ServerTransport).Addr().String()
}

func newRPCClient(t *testing.T, endpoint string) *client.RPCClient {
	t.Helper()
	cfg := common.DefaultClientConfig(endpoint)
	cfg.Transport.RetryBackoff = time.Millisecond
	c, err := client.NewRPCClient(cfg, tcp.NewTCPClientTransport(serializer.NewBinarySerializer()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type upperAdapter struct{}

func (upperAdapter) Handle(req *common.Message) *common.Message {
	return common.NewResponse(bytes.ToUpper(req.Payload), nil)
}

// TestSubsystemRouting checks that requests reach the adapter of their subsystem
func TestSubsystemRouting(t *testing.T) {
	_, endpoint := startRPCServer(t, common.DefaultServerConfig("127.0.0.1:0"), map[string]IRPCServerAdapter{
		"upper": upperAdapter{},
	})
	c := newRPCClient(t, endpoint)
	ctx := context.Background()

	tests := []struct {
		subsystem string
		want      string
	}{
		{SubsystemEcho, "hello"},
		{"upper", "HELLO"},
	}
	for _, tc := range tests {
		t.Run(tc.subsystem, func(t *testing.T) {
			resp, err := c.Invoke(ctx, tc.subsystem, []byte("hello"), nil)
			if err != nil {
				t.Fatalf("invoke failed: %v", err)
			}
			if string(resp) != tc.want {
				t.Errorf("got %q, want %q", resp, tc.want)
			}
		})
	}

	_, err := c.Invoke(ctx, "missing", nil, nil)
	if !errors.Is(err, client.ErrRemote) || !strings.Contains(err.Error(), "unknown subsystem") {
		t.Errorf("expected remote error for unknown subsystem, got %v", err)
	}

	if err := c.InvokeOneway(ctx, SubsystemEcho, []byte("fire"), nil); err != nil {
		t.Errorf("oneway invoke failed: %v", err)
	}

	stats := c.Stats()
	if stats.Invocations != 3 || stats.Errors != 1 || stats.Oneway != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Max <= 0 || stats.P99 < stats.P50 {
		t.Errorf("implausible latency stats %+v", stats)
	}
}

// TestEchoDelay checks the echo delay against the client time budget
func TestEchoDelay(t *testing.T) {
	_, endpoint := startRPCServer(t, common.DefaultServerConfig("127.0.0.1:0"), nil)
	c := newRPCClient(t, endpoint)

	meta := map[string]string{MetaDelay: "300ms", common.MetaTimeout: "50"}
	_, err := c.Invoke(context.Background(), SubsystemEcho, []byte("slow"), meta)
	if !errors.Is(err, common.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

// TestCallbackSubsystem forwards a request through the server to a callback listener
func TestCallbackSubsystem(t *testing.T) {
	cfg := common.DefaultServerConfig("127.0.0.1:0")
	cfg.CallbackEndpoint = "127.0.0.1:0"
	srv, endpoint := startRPCServer(t, cfg, nil)

	listener := bisocket.NewCallbackClient(serializer.NewBinarySerializer(), common.DefaultServerConfig(""), 0)
	listener.RegisterHandler(func(req *common.Message) *common.Message {
		return common.NewResponse(append([]byte("callback:"), req.Payload...), nil)
	})
	id, err := listener.Connect(srv.Callbacks().Addr().String())
	if err != nil {
		t.Fatalf("failed to connect listener: %v", err)
	}
	defer listener.Close()

	c := newRPCClient(t, endpoint)
	meta := map[string]string{MetaListener: id.String()}

	// the listener registers asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := c.Invoke(context.Background(), SubsystemCallback, []byte("ping"), meta)
		if err == nil {
			if string(resp) != "callback:ping" {
				t.Fatalf("unexpected payload %q", resp)
			}
			break
		}
		if !errors.Is(err, client.ErrRemote) || time.Now().After(deadline) {
			t.Fatalf("callback failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = c.Invoke(context.Background(), SubsystemCallback, nil, map[string]string{MetaListener: "not-a-uuid"})
	if !errors.Is(err, client.ErrRemote) {
		t.Errorf("expected remote error for invalid listener, got %v", err)
	}
}

// TestCallbacksDisabled checks the callback subsystem without a callback endpoint
func TestCallbacksDisabled(t *testing.T) {
	srv, endpoint := startRPCServer(t, common.DefaultServerConfig("127.0.0.1:0"), nil)
	if srv.Callbacks() != nil {
		t.Fatalf("callback server running without endpoint")
	}

	c := newRPCClient(t, endpoint)
	_, err := c.Invoke(context.Background(), SubsystemCallback, nil, nil)
	if !errors.Is(err, client.ErrRemote) || !strings.Contains(err.Error(), "not enabled") {
		t.Errorf("expected callbacks disabled error, got %v", err)
	}
}

// TestMetricsEndpoint checks that transport metrics are served in prometheus format
func TestMetricsEndpoint(t *testing.T) {
	cfg := common.DefaultServerConfig("127.0.0.1:0")
	cfg.MetricsEndpoint = freeEndpoint(t)
	_, endpoint := startRPCServer(t, cfg, nil)

	c := newRPCClient(t, endpoint)
	if _, err := c.Invoke(context.Background(), SubsystemEcho, []byte("count me"), nil); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	resp, err := http.Get("http://" + cfg.MetricsEndpoint + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"sockrpc_server_invocations_total", "sockrpc_client_invocations_total", "sockrpc_server_workers"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metric %s missing", name)
		}
	}
}
