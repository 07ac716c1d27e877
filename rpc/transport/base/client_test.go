package base

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedServer serves the n-th accepted connection (starting at 0) with script(n, conn)
func scriptedServer(t *testing.T, script func(n int, w *SocketWrapper)) (endpoint string, accepts *atomic.Int64) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepts = &atomic.Int64{}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			n := int(accepts.Add(1) - 1)
			go func() {
				w := NewServerSocketWrapper(conn, 5*time.Second)
				defer w.Close()
				script(n, w)
			}()
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return listener.Addr().String(), accepts
}

// readRequest consumes one request from a scripted connection
func readRequest(w *SocketWrapper) (*common.Message, error) {
	if _, err := w.readVersion(); err != nil {
		return nil, err
	}
	req := &common.Message{}
	if err := w.readMessage(testSerializer, req, 0); err != nil {
		return nil, err
	}
	return req, nil
}

func clientPool(c *clientTransport) *ConnectionPool {
	session := c.session.Load()
	return session.pools.Pool(session.addresses[0])
}

func invoke(c *clientTransport, payload string) (*common.Message, error) {
	return c.Invoke(context.Background(), common.NewInvocationRequest("test", []byte(payload), nil))
}

// TestClientEcho checks plain invocations and connection reuse
func TestClientEcho(t *testing.T) {
	srv := startServer(t, testServerConfig(), echoHandler, nil)
	client, connector := newTestClient(t, testClientConfig(srv.Addr().String()))

	for i := 0; i < 5; i++ {
		resp, err := invoke(client, "hello")
		if err != nil {
			t.Fatalf("invocation %d failed: %v", i, err)
		}
		if string(resp.Payload) != "hello" || resp.MsgType != common.MsgTResponse {
			t.Fatalf("unexpected response %+v", resp)
		}
	}

	if created := clientPool(client).Stats().Created; created != 1 {
		t.Errorf("expected 1 connection for sequential invocations, got %d", created)
	}
	if dials := connector.dials.Load(); dials != 1 {
		t.Errorf("expected 1 dial, got %d", dials)
	}
}

// TestClientRetryExhaustion checks that a server dropping every connection costs exactly RetryCount attempts
func TestClientRetryExhaustion(t *testing.T) {
	endpoint, accepts := scriptedServer(t, func(int, *SocketWrapper) {})
	client, _ := newTestClient(t, testClientConfig(endpoint))

	_, err := invoke(client, "hello")
	if !errors.Is(err, common.ErrCannotConnect) {
		t.Fatalf("expected ErrCannotConnect, got %v", err)
	}
	waitFor(t, time.Second, "3 accepts", func() bool { return accepts.Load() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if n := accepts.Load(); n != 3 {
		t.Errorf("expected 3 connection attempts, got %d", n)
	}
}

// TestClientRetriesClosingConnection checks that a CLOSING reply is retried on a new connection
func TestClientRetriesClosingConnection(t *testing.T) {
	endpoint, accepts := scriptedServer(t, func(n int, w *SocketWrapper) {
		req, err := readRequest(w)
		if err != nil {
			return
		}
		if n == 0 {
			w.CloseGracefully()
			return
		}
		w.writeVersion(common.Version2)
		w.writeMessage(testSerializer, common.NewResponse(req.Payload, nil))
		w.flush()
	})
	client, _ := newTestClient(t, testClientConfig(endpoint))

	resp, err := invoke(client, "again")
	if err != nil {
		t.Fatalf("invocation failed: %v", err)
	}
	if string(resp.Payload) != "again" {
		t.Errorf("unexpected payload %q", resp.Payload)
	}
	if n := accepts.Load(); n != 2 {
		t.Errorf("expected 2 connections, got %d", n)
	}
}

// TestClientNonRetriableErrors checks protocol violations fail without a retry
func TestClientNonRetriableErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(w *SocketWrapper)
		want  error
	}{
		{
			name: "unsupported version",
			reply: func(w *SocketWrapper) {
				w.writeVersion(9)
				w.writeMessage(testSerializer, common.NewResponse(nil, nil))
			},
			want: common.ErrUnsupportedVersion,
		},
		{
			name: "undecodable response",
			reply: func(w *SocketWrapper) {
				w.writeVersion(common.Version2)
				var frame [5]byte
				binary.BigEndian.PutUint32(frame[:4], 1)
				w.writer.Write(frame[:])
			},
			want: common.ErrDecode,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			endpoint, accepts := scriptedServer(t, func(_ int, w *SocketWrapper) {
				if _, err := readRequest(w); err != nil {
					return
				}
				tc.reply(w)
				w.flush()
				// keep the connection open until the client gives up
				w.readByte()
			})
			client, _ := newTestClient(t, testClientConfig(endpoint))

			_, err := invoke(client, "hello")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, common.ErrInvocationFailure) {
				t.Errorf("expected ErrInvocationFailure, got %v", err)
			}
			time.Sleep(50 * time.Millisecond)
			if n := accepts.Load(); n != 1 {
				t.Errorf("expected a single attempt, got %d", n)
			}
		})
	}
}

// TestClientPoolCapacity checks that a caller beyond the pool size waits for
// and then reuses one of the busy connections
func TestClientPoolCapacity(t *testing.T) {
	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	srv := startServer(t, testServerConfig(), func(req *common.Message) *common.Message {
		entered <- struct{}{}
		<-release
		return common.NewResponse(req.Payload, nil)
	}, nil)

	cfg := testClientConfig(srv.Addr().String())
	cfg.Transport.MaxPoolSize = 2
	cfg.Transport.PoolWaitTimeout = 5 * time.Second
	client, _ := newTestClient(t, cfg)

	var mu sync.Mutex
	var first []*SocketWrapper
	var third *SocketWrapper
	var thirdReused bool
	clientPool(client).onAcquire = func(w *SocketWrapper, reused bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(first) < 2 {
			first = append(first, w)
			return
		}
		third, thirdReused = w, reused
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	call := func() {
		defer wg.Done()
		if _, err := invoke(client, "busy"); err != nil {
			errCh <- err
		}
	}

	wg.Add(2)
	go call()
	go call()
	<-entered
	<-entered

	wg.Add(1)
	go call()
	// the third caller must not get a connection while both are leased
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	blocked := third == nil
	mu.Unlock()
	if !blocked {
		t.Errorf("third caller acquired a connection beyond the pool size")
	}

	close(release)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("invocation failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !thirdReused || (third != first[0] && third != first[1]) {
		t.Errorf("third caller did not reuse one of the first two connections")
	}
	if created := clientPool(client).Stats().Created; created != 2 {
		t.Errorf("expected 2 connections, got %d", created)
	}
}

// TestClientTimeBudget checks the per-invocation timeout from the metadata
func TestClientTimeBudget(t *testing.T) {
	srv := startServer(t, testServerConfig(), func(req *common.Message) *common.Message {
		time.Sleep(500 * time.Millisecond)
		return common.NewResponse(req.Payload, nil)
	}, nil)
	client, _ := newTestClient(t, testClientConfig(srv.Addr().String()))

	req := common.NewInvocationRequest("test", []byte("slow"), map[string]string{common.MetaTimeout: "100"})
	start := time.Now()
	_, err := client.Invoke(context.Background(), req)
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("time budget not enforced, returned after %s", elapsed)
	}
}

// TestClientOneway checks oneway invocations with and without acknowledgement
func TestClientOneway(t *testing.T) {
	for _, ackTimeout := range []time.Duration{0, time.Second} {
		name := "without ack"
		if ackTimeout > 0 {
			name = "with ack"
		}
		t.Run(name, func(t *testing.T) {
			received := make(chan string, 1)
			srv := startServer(t, testServerConfig(), func(req *common.Message) *common.Message {
				if req.IsOneway() {
					received <- string(req.Payload)
					return nil
				}
				return common.NewResponse(req.Payload, nil)
			}, nil)

			cfg := testClientConfig(srv.Addr().String())
			cfg.Transport.OnewayAckTimeout = ackTimeout
			client, _ := newTestClient(t, cfg)

			resp, err := client.Invoke(context.Background(), common.NewOnewayRequest("test", []byte("fire"), nil))
			if err != nil || resp != nil {
				t.Fatalf("oneway invocation returned %v, %v", resp, err)
			}
			select {
			case got := <-received:
				if got != "fire" {
					t.Errorf("handler received %q", got)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("oneway request never reached the handler")
			}

			// the connection stays usable for regular invocations
			resp, err = invoke(client, "after")
			if err != nil || string(resp.Payload) != "after" {
				t.Fatalf("invocation after oneway failed: %v, %v", resp, err)
			}
			if created := clientPool(client).Stats().Created; created != 1 {
				t.Errorf("expected the connection to be reused, %d created", created)
			}
		})
	}
}

// TestClientProtocolModes checks the liveness check and the legacy protocol end to end
func TestClientProtocolModes(t *testing.T) {
	tests := []struct {
		name    string
		version byte
		check   bool
	}{
		{"version 2", common.Version2, false},
		{"connection check", common.Version2, true},
		{"legacy", common.Version1, false},
		{"legacy with connection check", common.Version1, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scfg := testServerConfig()
			scfg.Transport.ProtocolVersion = tc.version
			scfg.Transport.CheckConnection = tc.check
			srv := startServer(t, scfg, echoHandler, nil)

			cfg := testClientConfig(srv.Addr().String())
			cfg.Transport.ProtocolVersion = tc.version
			cfg.Transport.CheckConnection = tc.check
			client, _ := newTestClient(t, cfg)

			for i := 0; i < 3; i++ {
				resp, err := invoke(client, "mode")
				if err != nil {
					t.Fatalf("invocation %d failed: %v", i, err)
				}
				if string(resp.Payload) != "mode" {
					t.Fatalf("unexpected payload %q", resp.Payload)
				}
			}
			if created := clientPool(client).Stats().Created; created != 1 {
				t.Errorf("expected 1 connection, got %d", created)
			}
		})
	}
}

// TestClientRetriableErrors checks the error classification of the invocation engine
func TestClientRetriableErrors(t *testing.T) {
	client := newClientTransport(&testClientConnector{}, testSerializer)
	cfg := testClientConfig("127.0.0.1:1")
	if err := client.Connect(cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	generic := errors.New("write tcp: use of closed network connection")
	if client.session.Load().isRetriable(generic) {
		t.Errorf("generic error retriable without GeneralizeSocketErrors")
	}

	cfg.Transport.GeneralizeSocketErrors = true
	if err := client.Connect(cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tests := []struct {
		err  error
		want bool
	}{
		{generic, true},
		{errors.New("handler failed"), false},
		{common.ErrCannotConnect, true},
		{common.ErrDecode, false},
		{common.ErrUnsupportedVersion, false},
		{common.ErrMessageTooLarge, false},
	}
	for _, tc := range tests {
		if got := client.session.Load().isRetriable(tc.err); got != tc.want {
			t.Errorf("isRetriable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}

	cfg.Transport.RetriableErrorPattern = "("
	if err := client.Connect(cfg); err == nil {
		t.Errorf("expected error for invalid pattern")
	}
}

// TestClientClosed checks invocations after Close
func TestClientClosed(t *testing.T) {
	client := newClientTransport(&testClientConnector{}, testSerializer)
	if err := client.Connect(testClientConfig("127.0.0.1:1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Close()

	if _, err := invoke(client, "late"); !errors.Is(err, common.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

// flakyConnector refuses one in failEvery dials
type flakyConnector struct {
	testClientConnector
	failEvery int
}

func (c *flakyConnector) Connect(ctx context.Context, endpoint string, config common.ClientConfig) (net.Conn, error) {
	if rand.Intn(c.failEvery) == 0 {
		return nil, errors.New("connection refused")
	}
	return c.testClientConnector.Connect(ctx, endpoint, config)
}

// TestClientReleasesEveryPermit runs concurrent invocations against a server
// that randomly drops, stalls or refuses connections and checks that the
// pool gets every permit back exactly once
func TestClientReleasesEveryPermit(t *testing.T) {
	endpoint, _ := scriptedServer(t, func(_ int, w *SocketWrapper) {
		for {
			req, err := readRequest(w)
			if err != nil {
				return
			}
			switch rand.Intn(10) {
			case 0:
				// drop without a reply
				return
			case 1:
				w.CloseGracefully()
				return
			case 2:
				// outlast the client socket timeout
				time.Sleep(150 * time.Millisecond)
				return
			}
			w.writeVersion(common.Version2)
			w.writeMessage(testSerializer, common.NewResponse(req.Payload, nil))
			if err := w.flush(); err != nil {
				return
			}
		}
	})

	const capacity = 3
	cfg := testClientConfig(endpoint)
	cfg.Transport.MaxPoolSize = capacity
	cfg.Transport.SocketTimeout = 50 * time.Millisecond
	cfg.Transport.PoolWaitTimeout = 10 * time.Second

	client := newClientTransport(&flakyConnector{failEvery: 5}, testSerializer)
	if err := client.Connect(cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	pool := clientPool(client)
	var over atomic.Bool
	pool.onAcquire = func(*SocketWrapper, bool) {
		if pool.inUse.Load() > capacity {
			over.Store(true)
		}
	}

	var wg sync.WaitGroup
	var ok, failed atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				resp, err := invoke(client, "ping")
				switch {
				case err == nil && string(resp.Payload) == "ping":
					ok.Add(1)
				case err != nil && errors.Is(err, common.ErrPoolTimeout):
					t.Errorf("pool wait timed out, permits leaked: %v", err)
					return
				default:
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if ok.Load() == 0 {
		t.Errorf("no invocation succeeded (%d failed)", failed.Load())
	}
	if over.Load() {
		t.Errorf("more than %d connections leased at once", capacity)
	}
	if stats := pool.Stats(); stats.InUse != 0 || stats.Idle > capacity {
		t.Errorf("unexpected pool state after all invocations: %+v", stats)
	}
	if !pool.sem.TryAcquire(capacity) {
		t.Fatalf("permits leaked, cannot acquire all %d", capacity)
	}
	if pool.sem.TryAcquire(1) {
		t.Errorf("a permit was returned twice")
	}
	pool.sem.Release(capacity)
}

// TestClientCloseDuringInvocations checks that invocations racing Close
// fail with ErrTransportClosed and leave no pooled connection behind
func TestClientCloseDuringInvocations(t *testing.T) {
	srv := startServer(t, testServerConfig(), echoHandler, nil)
	client, _ := newTestClient(t, testClientConfig(srv.Addr().String()))

	session := client.session.Load()
	pool := clientPool(client)
	if _, err := invoke(client, "warmup"); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := invoke(client, "race"); err != nil {
					if !errors.Is(err, common.ErrTransportClosed) {
						errCh <- err
					}
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	client.Close()
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	if stats := pool.Stats(); stats.Idle != 0 || stats.InUse != 0 {
		t.Errorf("connections left in the closed pool: %+v", stats)
	}

	late := session.pools.Pool(session.addresses[0])
	if late == pool {
		t.Errorf("closed manager handed out the old pool")
	}
	if _, _, err := late.Acquire(context.Background(), time.Second, true, false); !errors.Is(err, common.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed from a late pool, got %v", err)
	}

	waitFor(t, 2*time.Second, "server to see all connections closed", func() bool {
		return srv.Stats().Active == 0
	})
}
