// Package base provides the foundation for stream oriented transports (TCP,
// Unix sockets, ...). It turns a net.Conn into a message oriented channel and
// implements listening and dialing independent of the specific network
// protocol. It is extended with protocol-specific connectors.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - connChannel: Frames messages with a 4 byte big endian length prefix. A
//     single reader goroutine delivers inbound frames, writes are serialized
//     with a mutex and use net.Buffers to combine header and payload into a
//     single write.
//
//   - dialer: Connects through a client connector and retries failed attempts
//     with exponential backoff and jitter.
//
//   - listener: Accepts connections in a background goroutine and hands them
//     to Accept, which honors context cancellation.
//
// Thread Safety:
//
//	All public methods are thread-safe. Send may be called from any number of
//	goroutines, message callbacks are never invoked concurrently.
package base
