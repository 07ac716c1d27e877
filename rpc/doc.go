// Package rpc provides a socket based remote procedure call framework. It
// moves opaque invocation payloads between a client and a server over pooled
// stream sockets.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message envelope, configuration structures, errors and logging.
//
//   - transport: The socket transport. The base subpackage holds the connection
//     pools, the client invocation engine with its retry loop, the server worker
//     pool with LRU eviction and the idle reaper. The tcp and unix subpackages
//     provide connectors, bisocket adds server-to-client callbacks.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     and a length-prefixed stream codec used on the wire.
//
//   - client: A small client facade for invoking remote subsystems.
//
//   - server: The RPC server dispatching invocations to subsystem adapters.
package rpc
