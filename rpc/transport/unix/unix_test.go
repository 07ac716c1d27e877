package unix

import (
	"context"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"os"
	"path/filepath"
	"testing"
)

// TestUnixTransport runs invocations over a Unix domain socket
func TestUnixTransport(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "rpc.sock")

	// a stale socket file must not prevent listening
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("create stale file: %v", err)
	}

	srv := NewUnixServerTransport(serializer.NewBinarySerializer())
	srv.RegisterHandler(func(req *common.Message) *common.Message {
		return common.NewResponse(append([]byte("unix:"), req.Payload...), nil)
	})
	scfg := common.DefaultServerConfig(socketPath)
	scfg.Transport.ReadBufferSize = 32 * 1024
	if err := srv.Start(scfg); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	client := NewUnixClientTransport(serializer.NewBinarySerializer())
	if err := client.Connect(common.DefaultClientConfig(socketPath)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.Invoke(context.Background(), common.NewInvocationRequest("unix", []byte("hello"), nil))
	if err != nil {
		t.Fatalf("invocation failed: %v", err)
	}
	if string(resp.Payload) != "unix:hello" {
		t.Errorf("unexpected payload %q", resp.Payload)
	}
}
