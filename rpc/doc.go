// Package rpc provides the reliable messaging layer of dLink. It carries
// sequenced packets, request/response calls and chunked streams between peers
// over pluggable transports.
//
// The package is organized into several subpackages:
//
//   - common: The Packet envelope, configuration structures and logging.
//
//   - transport: Message oriented channel abstractions with pluggable
//     implementations (TCP, Unix sockets, WebSocket, WebRTC data channels, memory).
//
//   - serializer: Packet serialization with multiple format options (Binary, CBOR,
//     JSON, GOB) for converting between Packet objects and byte arrays.
//
//   - session: Binds one channel to one remote identity. Buffers reliable packets
//     until they are acknowledged and replays them after a reconnect.
//
//   - engine: Correlates rpc requests with acks and responses under deadlines.
//
//   - stream: Splits text and binary payloads into header, chunk and trailer
//     packets and reassembles them on the receiving side.
//
//   - peer: Joins sessions, the engine and the stream managers into one node.
package rpc
