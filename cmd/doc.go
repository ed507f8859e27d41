// Package cmd implements the command-line interface of dLink. It provides a
// hierarchical command structure for running a peer and talking to one.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a peer that accepts connections, answers the built-in rpc
//     methods (echo, upper, time, peers), prints chat streams and saves files
//   - client: call, send text, send file and the perf load test
//   - util: Shared utilities for flags, configuration and transports (internal use)
//
// See dlink -help for a list of all commands.
package cmd
