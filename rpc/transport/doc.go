// Package transport defines the channel abstraction the messaging stack runs
// on. A channel is message oriented, ordered and reliable as far as the
// underlying medium is, and has a maximum message size.
//
// Key Components:
//
//   - IChannel: A started channel delivers inbound messages through a callback
//     and accepts outbound messages through Send.
//
//   - IListener / IDialer: Establish channels for mediums that have a notion of
//     connecting (tcp, unix, websocket).
//
// Implementations:
//
//   - base: Length prefixed framing over any net.Conn, with listener and dialer
//     driven by per medium connectors.
//   - tcp, unix: Connectors for the base package.
//   - ws: WebSocket binary messages.
//   - webrtc: Adapter for an already negotiated pion data channel.
//   - memory: In-process channel pairs for tests and local peers.
package transport
