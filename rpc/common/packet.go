package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Packet Structure
// --------------------------------------------------------------------------

// Packet is the single envelope exchanged over a channel. Which fields are
// used depends on the type of the packet.
type Packet struct {
	// Type of packet
	PktType PacketType `json:"pkt_type"`

	// Envelope fields (all packets)
	Sequence     uint64   `json:"seq,omitempty"`          // Assigned by the session for reliable packets, 0 otherwise
	Reliable     bool     `json:"reliable,omitempty"`     // Whether the packet is buffered for replay
	Sender       string   `json:"sender,omitempty"`       // Identity of the originating peer
	Destinations []string `json:"destinations,omitempty"` // Empty means every connected peer

	// User data fields
	Topic string `json:"topic,omitempty"` // Used for: User, StreamHeader
	Data  []byte `json:"data,omitempty"`  // Used for: User, StreamChunk

	// RPC fields
	RequestID         string `json:"request_id,omitempty"`          // Used for: RpcRequest, RpcAck, RpcResponse, RpcError
	Method            string `json:"method,omitempty"`              // Used for: RpcRequest
	Version           uint32 `json:"version,omitempty"`             // Used for: RpcRequest, Hello
	RpcPayload        string `json:"rpc_payload,omitempty"`         // Used for: RpcRequest, RpcResponse
	ResponseTimeoutMs uint64 `json:"response_timeout_ms,omitempty"` // Used for: RpcRequest
	ErrCode           uint32 `json:"err_code,omitempty"`            // Used for: RpcError
	ErrMessage        string `json:"err_message,omitempty"`         // Used for: RpcError
	ErrData           string `json:"err_data,omitempty"`            // Used for: RpcError

	// Stream fields
	StreamID    string            `json:"stream_id,omitempty"`    // Used for: StreamHeader, StreamChunk, StreamTrailer
	Timestamp   int64             `json:"timestamp,omitempty"`    // Used for: StreamHeader (unix millis)
	TotalLength *uint64           `json:"total_length,omitempty"` // Used for: StreamHeader, nil if unknown
	Attributes  map[string]string `json:"attributes,omitempty"`   // Used for: StreamHeader
	ContentType ContentType       `json:"content_type,omitempty"` // Used for: StreamHeader
	MimeType    string            `json:"mime_type,omitempty"`    // Used for: StreamHeader
	Name        string            `json:"name,omitempty"`         // Used for: StreamHeader
	ChunkIndex  uint64            `json:"chunk_index,omitempty"`  // Used for: StreamChunk
	RawLength   uint32            `json:"raw_length,omitempty"`   // Used for: StreamChunk (uncompressed size)
	Compression uint8             `json:"compression,omitempty"`  // Used for: StreamChunk
	Reason      string            `json:"reason,omitempty"`       // Used for: StreamTrailer, empty on a clean end
	Digest      []byte            `json:"digest,omitempty"`       // Used for: StreamTrailer

	// Acknowledgement fields
	AckedSequence uint64 `json:"acked_seq,omitempty"` // Used for: SequenceAck, Hello
}

// String returns a compact json representation, mainly for debug logs
func (p *Packet) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("Packet{%s}", p.PktType)
	}
	return string(b)
}

// IsRpc reports whether the packet belongs to the rpc protocol
func (p *Packet) IsRpc() bool {
	switch p.PktType {
	case PktTRpcRequest, PktTRpcAck, PktTRpcResponse, PktTRpcError:
		return true
	}
	return false
}

// IsStream reports whether the packet belongs to the stream protocol
func (p *Packet) IsStream() bool {
	switch p.PktType {
	case PktTStreamHeader, PktTStreamChunk, PktTStreamTrailer:
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Packet Factory Functions
// --------------------------------------------------------------------------

// NewHello creates the handshake packet a session sends after (re)connecting
func NewHello(identity string, version uint32, ackedSequence uint64) *Packet {
	return &Packet{
		PktType:       PktTHello,
		Sender:        identity,
		Version:       version,
		AckedSequence: ackedSequence,
	}
}

// NewSequenceAck creates an acknowledgement for every reliable packet up to seq
func NewSequenceAck(seq uint64) *Packet {
	return &Packet{
		PktType:       PktTSequenceAck,
		AckedSequence: seq,
	}
}

// NewUserPacket creates an application data packet
func NewUserPacket(topic string, data []byte, reliable bool, destinations []string) *Packet {
	return &Packet{
		PktType:      PktTUser,
		Reliable:     reliable,
		Destinations: destinations,
		Topic:        topic,
		Data:         data,
	}
}

// NewRpcRequest creates a rpc request
func NewRpcRequest(requestID, method, payload string, responseTimeoutMs uint64, version uint32) *Packet {
	return &Packet{
		PktType:           PktTRpcRequest,
		Reliable:          true,
		RequestID:         requestID,
		Method:            method,
		RpcPayload:        payload,
		ResponseTimeoutMs: responseTimeoutMs,
		Version:           version,
	}
}

// NewRpcAck creates the acknowledgement a handler side sends on receipt of a request
func NewRpcAck(requestID string) *Packet {
	return &Packet{
		PktType:   PktTRpcAck,
		Reliable:  true,
		RequestID: requestID,
	}
}

// NewRpcResponse creates a successful rpc response
func NewRpcResponse(requestID, payload string) *Packet {
	return &Packet{
		PktType:    PktTRpcResponse,
		Reliable:   true,
		RequestID:  requestID,
		RpcPayload: payload,
	}
}

// NewRpcError creates a failed rpc response
func NewRpcError(requestID string, code uint32, message, data string) *Packet {
	return &Packet{
		PktType:    PktTRpcError,
		Reliable:   true,
		RequestID:  requestID,
		ErrCode:    code,
		ErrMessage: message,
		ErrData:    data,
	}
}

// NewStreamHeader creates the packet announcing a new stream
func NewStreamHeader(streamID, topic string, contentType ContentType, timestamp int64, totalLength *uint64) *Packet {
	return &Packet{
		PktType:     PktTStreamHeader,
		Reliable:    true,
		StreamID:    streamID,
		Topic:       topic,
		ContentType: contentType,
		Timestamp:   timestamp,
		TotalLength: totalLength,
	}
}

// NewStreamChunk creates one chunk of a stream
func NewStreamChunk(streamID string, index uint64, content []byte) *Packet {
	return &Packet{
		PktType:    PktTStreamChunk,
		Reliable:   true,
		StreamID:   streamID,
		ChunkIndex: index,
		Data:       content,
		RawLength:  uint32(len(content)),
	}
}

// NewStreamTrailer creates the packet ending a stream. A non-empty reason marks an abnormal end.
func NewStreamTrailer(streamID, reason string, digest []byte) *Packet {
	return &Packet{
		PktType:  PktTStreamTrailer,
		Reliable: true,
		StreamID: streamID,
		Reason:   reason,
		Digest:   digest,
	}
}

// --------------------------------------------------------------------------
// Packet Types
// --------------------------------------------------------------------------

// PacketType discriminates the packets of the protocol
type PacketType uint8

const (
	PktTUnknown PacketType = iota

	// Session packets
	PktTHello       // Identity and resume handshake
	PktTSequenceAck // Receiver holds every reliable packet up to AckedSequence

	// Application packets
	PktTUser // Application data

	// RPC packets
	PktTRpcRequest  // Invoke a method on the destination
	PktTRpcAck      // Request was received by the destination
	PktTRpcResponse // Successful result
	PktTRpcError    // Failed result

	// Stream packets
	PktTStreamHeader  // Opens a stream
	PktTStreamChunk   // Carries a piece of a stream
	PktTStreamTrailer // Closes a stream
)

var packetTypeNames = map[PacketType]string{
	PktTHello:         "Hello",
	PktTSequenceAck:   "SequenceAck",
	PktTUser:          "User",
	PktTRpcRequest:    "RpcRequest",
	PktTRpcAck:        "RpcAck",
	PktTRpcResponse:   "RpcResponse",
	PktTRpcError:      "RpcError",
	PktTStreamHeader:  "StreamHeader",
	PktTStreamChunk:   "StreamChunk",
	PktTStreamTrailer: "StreamTrailer",
}

// String returns the string representation of a PacketType
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// MarshalJSON implements the json.Marshaler interface
func (t PacketType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (t *PacketType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for pktType, name := range packetTypeNames {
		if name == s {
			*t = pktType
			return nil
		}
	}
	*t = PktTUnknown
	return nil
}

// --------------------------------------------------------------------------
// Stream Content Types
// --------------------------------------------------------------------------

// ContentType tells a receiver how to interpret stream chunks
type ContentType uint8

const (
	ContentUnknown ContentType = iota
	ContentBytes
	ContentText
)

// String returns the string representation of a ContentType
func (c ContentType) String() string {
	switch c {
	case ContentBytes:
		return "bytes"
	case ContentText:
		return "text"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaler interface
func (c ContentType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (c *ContentType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "bytes":
		*c = ContentBytes
	case "text":
		*c = ContentText
	default:
		*c = ContentUnknown
	}
	return nil
}
