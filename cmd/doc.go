// Package cmd implements the command-line interface of sockrpc. It provides
// commands for running a server and for talking to one as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the sockrpc server
//   - invoke: Client commands (invoke, perf, callback)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables with the SOCKRPC_
// prefix, optionally loaded from .env and .env.local.
//
// See sockrpc -help for a list of all commands.
package cmd
