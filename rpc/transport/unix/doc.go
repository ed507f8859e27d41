// Package unix implements the Unix domain socket transport on top of the base
// package. The endpoint is a socket path, a stale socket file at that path is
// removed before listening.
package unix
