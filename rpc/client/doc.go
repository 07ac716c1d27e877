// Package client implements the RPC client facade. It wraps a client
// transport, turns error responses into errors and keeps latency statistics
// for the invocations it sends.
//
// Key Components:
//
//   - NewRPCClient: Factory function connecting a transport and returning an
//     RPCClient
//
//   - RPCClient.Invoke / InvokeOneway: Send a payload to a server subsystem.
//     Per-invocation time budgets are passed in the metadata under
//     common.MetaTimeout (milliseconds or a Go duration).
//
//   - RPCClient.Stats: Invocation count, error count and latency percentiles
//
// Thread Safety:
//
//	An RPCClient is safe for concurrent use. Concurrent invocations use
//	separate pooled connections.
package client
