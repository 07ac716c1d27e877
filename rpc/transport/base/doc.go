// Package base provides the foundation of the socket transports, implementing
// the RPC exchange independent of the specific network protocol (TCP, Unix
// sockets, etc.). Protocol-specific packages only supply connectors.
//
// Wire Protocol:
//
//	request:   [version] [length-prefixed message]
//	response:  [version] [length-prefixed message]
//
// Version bytes are 2 and 22 (the latter acknowledges oneway requests);
// legacy mode (1) sends no version bytes. With the liveness check enabled a
// reused connection first exchanges a single ACK byte. A party closing a
// connection deliberately writes the CLOSING byte (254) twice; readers treat
// it like end of stream.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - SocketWrapper: A connection with buffered streams and an I/O timeout,
//     plus the liveness check and graceful close.
//
//   - PoolManager/ConnectionPool: One pool per ServerAddress. A semaphore bounds
//     idle plus leased connections to the pool size; idle connections are
//     reused most recently released first.
//
//   - clientTransport: The invocation engine. Every invocation leases a pooled
//     connection, runs under an optional time budget and is retried on
//     transient socket errors (reset, broken pipe, end of stream). The last
//     attempt always uses a fresh connection.
//
//   - ServerTransport: Accept loops handing connections to worker goroutines.
//     The number of workers is capped; when exhausted, the least recently
//     assigned worker blocked waiting for its next request is evicted.
//     Workers are reused for later connections and reaped when idle.
//
//   - EvictionPool: An LRU that asks an eviction policy, oldest first, which
//     entry may be dropped.
//
// Thread Safety:
//
//	The transports are safe for concurrent use. Connections are never shared:
//	a client connection belongs to one invocation at a time, a server
//	connection to one worker.
package base
