// Package serializer provides message serialization for the socket RPC
// transport. It defines a common interface, multiple implementations and a
// length-prefixed stream codec used to put messages on a connection.
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Offering multiple implementations with different performance characteristics
//   - Supporting efficient encoding of the system's message structure
//   - Minimizing memory allocations and processing overhead
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for speed
//     and space efficiency. Uses a flag-based approach to encode only present fields,
//     resulting in compact serialized data with minimal overhead.
//
//   - WriteMessage / ReadMessage: Stream codec framing each serialized message
//     with a 4 byte big endian length. The transport only adds its version and
//     liveness bytes around these frames.
//
//   - stdSerializerImpl: Adapter over the gob and json codecs of the standard
//     library (NewGOBSerializer, NewJSONSerializer). Gob offers good compatibility
//     with Go's type system but with larger serialized sizes, json is useful for
//     debugging. Both report undecodable input as common.ErrDecode.
//
// Performance Characteristics (based on benchmarks across various message types):
//
//   - Binary: Delivers superior performance with the smallest payload size. Highly optimized
//     for the application's specific message structure and recommended for production use.
//
//   - JSON: Offers acceptable performance with moderate payload sizes. Provides human-readable
//     output beneficial for debugging and system integration scenarios.
//
//   - GOB: Performs significantly worse than other implementations with consistently larger
//     payload sizes. Not recommended for use in this system as it provides no advantages
//     over Binary or JSON serialization.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the application:
//
//	  s := serializer.NewBinarySerializer()
//	  err := serializer.WriteMessage(conn, s, &message)
//	  // ...
//	  var receivedMsg common.Message
//	  err = serializer.ReadMessage(conn, s, &receivedMsg, 0)
package serializer
