// Package server implements the RPC server. It routes every request received
// by the transport to the adapter registered for the request's subsystem.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes a single request.
//
//   - NewEchoServerAdapter: Answers every request with its payload, optionally
//     after the delay given in the metadata. Used for health checks and
//     benchmarks.
//
//   - NewCallbackServerAdapter: Forwards the payload to a callback listener
//     connected through the bisocket package and answers with the listener's
//     response.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer. The echo and callback adapters are registered
//     under "echo" and "callback" unless other adapters are registered first.
//
// Usage Example:
//
//	config := common.DefaultServerConfig("0.0.0.0:8080")
//	config.CallbackEndpoint = "0.0.0.0:8081"
//	config.MetricsEndpoint = "0.0.0.0:9090"
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(serializer.NewBinarySerializer()),
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	Adapters are called concurrently from the transport's workers and must
//	be safe for concurrent use. Serve and Start should be called only once.
package server
