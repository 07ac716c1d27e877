package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/ValentinKolb/sockrpc/rpc/transport/bisocket"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"
)

var Logger = logger.GetLogger("rpc")

// Default subsystem names
const (
	SubsystemEcho     = "echo"
	SubsystemCallback = "callback"
)

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters. The serializer
// is used for the callback server, the transport brings its own.
//
// Usage:
//
//	s := server.NewRPCServer(
//		common.DefaultServerConfig(":8080"),
//		tcp.NewTCPServerTransport(serializer.NewBinarySerializer()),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapters:   xsync.NewMapOf[string, IRPCServerAdapter](),
	}
}

// RPCServer dispatches the requests received by its transport to the
// adapter registered for the request's subsystem
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapters   *xsync.MapOf[string, IRPCServerAdapter]

	callbacks     *bisocket.Server
	metricsServer *http.Server
	closeOnce     sync.Once
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// RegisterAdapter routes requests for subsystem to adapter, replacing a
// previously registered adapter
func (s *RPCServer) RegisterAdapter(subsystem string, adapter IRPCServerAdapter) {
	s.adapters.Store(subsystem, adapter)
}

// Callbacks returns the callback server, nil if callbacks are disabled or
// before Start
func (s *RPCServer) Callbacks() *bisocket.Server {
	return s.callbacks
}

// Start initializes the server and starts the transport without blocking
func (s *RPCServer) Start() error {
	if err := s.init(); err != nil {
		return err
	}
	if err := s.transport.Start(s.config); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Serve starts the RPC server and blocks until it is closed
// This function will also initialize the callback server, the metrics
// endpoint and the default adapters
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	defer s.Close()
	return s.transport.Listen(s.config)
}

// Close stops the transport, the callback server and the metrics endpoint
func (s *RPCServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
		if s.callbacks != nil {
			s.callbacks.Close()
		}
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
				Logger.Warningf("Failed to stop metrics endpoint: %v", shutdownErr)
			}
		}
		Logger.Infof("RPC Server stopped")
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	// Init logger
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	// Start the callback server
	if s.config.CallbackEndpoint != "" {
		cfg := common.DefaultClientConfig()
		cfg.Transport.SocketTimeout = s.config.Transport.SocketTimeout
		cfg.Transport.MaxMessageSize = s.config.Transport.MaxMessageSize
		s.callbacks = bisocket.NewServer(s.serializer, cfg, bisocket.DefaultPingInterval)
		if err := s.callbacks.Start(s.config.CallbackEndpoint); err != nil {
			return err
		}
	}

	// Default adapters, registered adapters take precedence
	s.adapters.LoadOrStore(SubsystemEcho, NewEchoServerAdapter())
	s.adapters.LoadOrStore(SubsystemCallback, NewCallbackServerAdapter(s.callbacks))

	if s.config.MetricsEndpoint != "" {
		if err := s.serveMetrics(); err != nil {
			return err
		}
	}

	// Configure the transport layer
	s.transport.RegisterHandler(s.handle)
	return nil
}

// handle routes a request to the adapter of its subsystem
func (s *RPCServer) handle(req *common.Message) *common.Message {
	adapter, ok := s.adapters.Load(req.Subsystem)
	if !ok {
		return common.NewErrorResponse(fmt.Sprintf("unknown subsystem %q", req.Subsystem))
	}
	return adapter.Handle(req)
}

// serveMetrics exposes the process metrics in prometheus text format
func (s *RPCServer) serveMetrics() error {
	listener, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create metrics listener: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	Logger.Infof("Serving metrics on http://%s/metrics", listener.Addr())
	go func() {
		if err := s.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	return nil
}
