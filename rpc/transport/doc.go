// Package transport defines the interfaces and abstractions for RPC communication
// over stream sockets. It provides a common contract that all transport
// implementations must fulfill.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection pooling, retries and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     accept connections and hand decoded requests to a handler.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport
