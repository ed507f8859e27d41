// Package ws implements the WebSocket transport with gorilla/websocket. Each
// channel message is sent as one binary websocket message, text messages from
// the remote side are ignored.
//
// Key Components:
//
//   - NewDialer: Dials ws:// and wss:// URLs. A bare host:port endpoint is
//     expanded to ws://host:port/dlink.
//
//   - Handler: An http.Handler that upgrades requests and queues the resulting
//     channels for Accept. Mount it on an existing mux to share a port with
//     other endpoints.
//
//   - NewListener: Runs an http server with a Handler on DefaultPath.
package ws
