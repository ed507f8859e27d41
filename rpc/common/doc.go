// Package common provides the data structures shared by every layer of the
// messaging stack: the packet envelope, the configuration structs and the
// logger setup.
//
// Key Components:
//
//   - Packet: The single flat envelope exchanged over a channel. The PacketType
//     decides which fields are meaningful. Factory functions exist for every
//     packet type so callers never assemble packets field by field.
//
//   - PacketType / ContentType: Enumerations that marshal to json as strings,
//     which keeps the json serializer output readable in logs.
//
//   - Config structs: BufferConfig, SessionConfig, EngineConfig, StreamConfig,
//     TransportConfig and PeerConfig. Each has a DefaultXConfig constructor and
//     a String method used by the CLI to print the effective configuration.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logger facade and prints "LEVEL | name | message" lines.
package common
