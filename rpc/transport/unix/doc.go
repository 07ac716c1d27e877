// Package unix implements a transport layer for the RPC system using Unix
// domain sockets. It provides optimized communication for processes running
// on the same machine.
//
// This package extends the base transport layer with Unix socket-specific connectors
// while inheriting all core functionality like connection pooling, retries
// and the worker pool from the base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, replacing a stale socket file
//
// Endpoints are socket paths. TCP options and TLS settings in the transport
// configuration are ignored.
package unix
