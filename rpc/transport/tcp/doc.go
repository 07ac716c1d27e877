// Package tcp implements the TCP socket transport of the RPC system. It
// provides concrete implementations of the base package's connector
// interfaces; pooling, retries and the worker pool are inherited from the
// base package.
//
// Key Components:
//
//   - clientConnector: Dials TCP (or TLS, if a TLS config is set) and applies
//     the configured socket options to new connections
//
//   - serverConnector: Creates the TCP (or TLS) listener and upgrades
//     accepted connections
//
// Socket options that must be set before connect or bind (IP_TOS and
// SO_REUSEADDR) are only supported on Linux and macOS.
package tcp
