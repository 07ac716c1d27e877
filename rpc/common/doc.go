// Package common provides core data structures and utilities shared across
// the socket RPC transport. It defines fundamental types, configuration
// structures, and protocol elements used by other packages.
//
// Key Components:
//
//   - Message: The invocation envelope exchanged between client and server.
//     The transport only inspects its type (to know whether a response is
//     expected) and the optional per-invocation timeout in its metadata.
//
//   - ServerConfig / ClientConfig: Configuration of the worker pool, the
//     connection pools, the retry loop and the socket options. Both render
//     a readable summary via String().
//
//   - Errors: Sentinel errors (ErrCannotConnect, ErrPoolTimeout, ...) that
//     callers match with errors.Is.
//
//   - Logger: Custom logging implementation plugged into the dragonboat
//     logger facade, giving all packages a consistent format.
package common
