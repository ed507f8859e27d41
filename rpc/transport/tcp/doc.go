// Package tcp implements the TCP transport. It provides a connector for the
// base package that applies the TCPConf and SocketConf options (no delay,
// socket buffers, keep-alive, linger) to every dialed and accepted connection.
//
// Framing, retries and accept handling are inherited from the base package.
package tcp
