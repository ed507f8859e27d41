// Package serializer turns packets into bytes and back. A session holds one
// serializer and both ends of a channel must use the same one.
//
// Key Components:
//
//   - ISerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format optimized for speed and space
//     efficiency. A 32 bit presence mask encodes only the fields a packet uses,
//     which keeps acks and rpc packets at a few dozen bytes.
//
//   - cborSerializerImpl: CBOR with Core Deterministic Encoding. Identical packets
//     always encode to identical bytes, useful when packets are hashed or compared.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or interoperability
//     with other systems. Packet and content types are written as strings.
//
//   - gobSerializerImpl: Go's gob encoding. Every packet carries its own type
//     description, so it is the largest format and mostly kept for comparison.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.ByName("binary")
//	data, err := s.Serialize(*common.NewSequenceAck(42))
//	var p common.Packet
//	err = s.Deserialize(data, &p)
package serializer
