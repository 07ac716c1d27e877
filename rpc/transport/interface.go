package transport

import (
	"context"
	"github.com/ValentinKolb/sockrpc/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received.
// The returned response is ignored for oneway requests.
type ServerHandleFunc func(req *common.Message) (resp *common.Message)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a RPCServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler is called by a worker for every decoded request
	RegisterHandler(handler ServerHandleFunc)
	// Start opens the listening socket and starts the accept loop without blocking
	Start(config common.ServerConfig) error
	// Listen starts the transport layer and blocks until it is closed
	Listen(config common.ServerConfig) error
	// Close stops accepting, shuts down all workers and closes their sockets
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Invoke sends a request to the server and returns the response.
	// For oneway requests the response is nil.
	Invoke(ctx context.Context, req *common.Message) (resp *common.Message, err error)
	// Close closes all pooled connections
	Close() error
}
