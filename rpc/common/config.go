package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the version sent in hello packets and rpc requests
const ProtocolVersion uint32 = 1

const (
	// MaxPacketSize is the smallest message limit a channel is expected to have.
	// Chunks and payloads sized by default fit into it together with the envelope.
	MaxPacketSize = 15000
	// PacketOverhead is the room kept free for the envelope fields of a packet
	// (ids, destinations, indices) when a payload is sized to MaxPacketSize
	PacketOverhead = 1024
	// DefaultChunkSize is the default stream chunk size
	DefaultChunkSize = MaxPacketSize - PacketOverhead
	// DefaultMaxMessageSize is the message limit of channels without explicit configuration
	DefaultMaxMessageSize = 64 * 1024
)

// --------------------------------------------------------------------------
// Formatting helpers
// --------------------------------------------------------------------------

// configWriter renders configs in a uniform two column layout
type configWriter struct {
	sb strings.Builder
}

func (w *configWriter) addSection(title string) {
	w.sb.WriteString("\n")
	w.sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
}

func (w *configWriter) addField(name, value string) {
	w.sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
}

func (w *configWriter) String() string {
	return w.sb.String()
}

// --------------------------------------------------------------------------
// Buffer configuration
// --------------------------------------------------------------------------

// BufferConfig bounds the buffer of sent reliable packets a session keeps for replay
type BufferConfig struct {
	// MaxItems caps the number of buffered packets, <= 0 means unbounded
	MaxItems int
	// MaxBytes is the trim target applied after every reliable send, <= 0 disables trimming
	MaxBytes int
	// ExtraCapacity is the slack above MaxBytes tolerated before trimming
	ExtraCapacity int
}

// DefaultBufferConfig returns the buffer defaults
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxItems:      1024,
		MaxBytes:      4 * 1024 * 1024,
		ExtraCapacity: 64 * 1024,
	}
}

func (c *BufferConfig) write(w *configWriter) {
	w.addSection("Replay Buffer")
	w.addField("Max Items", strconv.Itoa(c.MaxItems))
	w.addField("Max Bytes", fmt.Sprintf("%d KB", c.MaxBytes/1024))
	w.addField("Extra Capacity", fmt.Sprintf("%d KB", c.ExtraCapacity/1024))
}

// String returns a formatted string representation of the configuration
func (c *BufferConfig) String() string {
	var w configWriter
	c.write(&w)
	return w.String()
}

// --------------------------------------------------------------------------
// Session configuration
// --------------------------------------------------------------------------

// SessionConfig holds the parameters of one session
type SessionConfig struct {
	// Identity announced to the remote side in the hello packet
	Identity string
	// Buffer of sent reliable packets
	Buffer BufferConfig
	// AckEvery sends a sequence ack after this many reliable packets, <= 0 acks every packet
	AckEvery int
	// ReceiveWindow caps how many out of order sequences are remembered for deduplication
	ReceiveWindow int
}

// DefaultSessionConfig returns the session defaults
func DefaultSessionConfig(identity string) SessionConfig {
	return SessionConfig{
		Identity:      identity,
		Buffer:        DefaultBufferConfig(),
		AckEvery:      16,
		ReceiveWindow: 4096,
	}
}

func (c *SessionConfig) write(w *configWriter) {
	w.addSection("Session")
	w.addField("Identity", c.Identity)
	w.addField("Ack Every", fmt.Sprintf("%d packets", c.AckEvery))
	w.addField("Receive Window", strconv.Itoa(c.ReceiveWindow))
	c.Buffer.write(w)
}

// String returns a formatted string representation of the configuration
func (c *SessionConfig) String() string {
	var w configWriter
	c.write(&w)
	return w.String()
}

// --------------------------------------------------------------------------
// RPC engine configuration
// --------------------------------------------------------------------------

// EngineConfig holds the rpc timing and size limits
type EngineConfig struct {
	// LocalIdentity is the identity of this peer
	LocalIdentity string
	// DefaultTimeout is used when a call passes a timeout <= 0
	DefaultTimeout time.Duration
	// MaxRoundTripLatency is the time an ack may take, it is subtracted from the
	// timeout sent to the handler side
	MaxRoundTripLatency time.Duration
	// MaxPayloadBytes limits request and response payloads
	MaxPayloadBytes int
	// PendingTTL evicts pending calls that were never resolved. A call entry
	// lives at least its timeout plus MaxRoundTripLatency.
	PendingTTL time.Duration
}

// DefaultEngineConfig returns the rpc defaults
func DefaultEngineConfig(identity string) EngineConfig {
	return EngineConfig{
		LocalIdentity:       identity,
		DefaultTimeout:      10 * time.Second,
		MaxRoundTripLatency: 2 * time.Second,
		MaxPayloadBytes:     15360,
		PendingTTL:          60 * time.Second,
	}
}

func (c *EngineConfig) write(w *configWriter) {
	w.addSection("RPC")
	w.addField("Local Identity", c.LocalIdentity)
	w.addField("Default Timeout", c.DefaultTimeout.String())
	w.addField("Max Round Trip", c.MaxRoundTripLatency.String())
	w.addField("Max Payload", fmt.Sprintf("%d bytes", c.MaxPayloadBytes))
	w.addField("Pending TTL", c.PendingTTL.String())
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var w configWriter
	c.write(&w)
	return w.String()
}

// --------------------------------------------------------------------------
// Stream configuration
// --------------------------------------------------------------------------

// StreamConfig holds the defaults applied to outgoing and incoming streams
type StreamConfig struct {
	// ChunkSize is the default size of a chunk
	ChunkSize int
	// Compression is the default chunk compression ("none", "lz4", "zstd")
	Compression string
	// ReaderBuffer is the initial chunk capacity of a reader queue. The queue grows
	// without bound, a slow reader never blocks the receiver.
	ReaderBuffer int
}

// DefaultStreamConfig returns the stream defaults
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ChunkSize:    DefaultChunkSize,
		Compression:  "none",
		ReaderBuffer: 64,
	}
}

func (c *StreamConfig) write(w *configWriter) {
	w.addSection("Streams")
	w.addField("Chunk Size", fmt.Sprintf("%d bytes", c.ChunkSize))
	w.addField("Compression", c.Compression)
	w.addField("Reader Buffer", fmt.Sprintf("%d chunks", c.ReaderBuffer))
}

// String returns a formatted string representation of the configuration
func (c *StreamConfig) String() string {
	var w configWriter
	c.write(&w)
	return w.String()
}

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// SocketConf holds the socket buffer sizes
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// TransportConfig configures listeners and dialers
type TransportConfig struct {
	// Endpoint to listen on or dial
	Endpoint string
	// MaxMessageSize caps a single message, <= 0 uses DefaultMaxMessageSize
	MaxMessageSize int
	// TimeoutSecond bounds connection establishment
	TimeoutSecond int
	// RetryCount is the number of dial attempts
	RetryCount int

	SocketConf
	TCPConf
}

// DefaultTransportConfig returns the transport defaults
func DefaultTransportConfig(endpoint string) TransportConfig {
	return TransportConfig{
		Endpoint:       endpoint,
		MaxMessageSize: DefaultMaxMessageSize,
		TimeoutSecond:  10,
		RetryCount:     3,
		SocketConf: SocketConf{
			WriteBufferSize: 512 * 1024,
			ReadBufferSize:  512 * 1024,
		},
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// EffectiveMaxMessageSize returns MaxMessageSize or the default if unset
func (c *TransportConfig) EffectiveMaxMessageSize() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

func (c *TransportConfig) write(w *configWriter) {
	w.addSection("Transport")
	w.addField("Endpoint", c.Endpoint)
	w.addField("Max Message Size", fmt.Sprintf("%d bytes", c.EffectiveMaxMessageSize()))
	w.addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	w.addField("Retry Count", strconv.Itoa(c.RetryCount))
	w.addField("Write Buffer", fmt.Sprintf("%d KB", c.WriteBufferSize/1024))
	w.addField("Read Buffer", fmt.Sprintf("%d KB", c.ReadBufferSize/1024))
	w.addField("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
	w.addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))
	w.addField("TCP Linger", fmt.Sprintf("%d sec", c.TCPLingerSec))
}

// String returns a formatted string representation of the configuration
func (c *TransportConfig) String() string {
	var w configWriter
	c.write(&w)
	return w.String()
}

// --------------------------------------------------------------------------
// Peer configuration
// --------------------------------------------------------------------------

// PeerConfig bundles everything a peer needs
type PeerConfig struct {
	// Identity of the local peer
	Identity string
	// SweepInterval is the period of the maintenance goroutine, <= 0 disables it
	SweepInterval time.Duration

	Session SessionConfig
	Engine  EngineConfig
	Stream  StreamConfig

	// Labels are attached to the metrics of this peer
	Labels map[string]string
}

// DefaultPeerConfig returns a complete default configuration for identity
func DefaultPeerConfig(identity string) PeerConfig {
	return PeerConfig{
		Identity:      identity,
		SweepInterval: 5 * time.Second,
		Session:       DefaultSessionConfig(identity),
		Engine:        DefaultEngineConfig(identity),
		Stream:        DefaultStreamConfig(),
	}
}

// String returns a formatted string representation of the configuration
func (c *PeerConfig) String() string {
	var w configWriter

	w.addSection("Peer")
	w.addField("Identity", c.Identity)
	w.addField("Sweep Interval", c.SweepInterval.String())

	if len(c.Labels) > 0 {
		// Sort keys for consistent output
		keys := make([]string, 0, len(c.Labels))
		for k := range c.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.addSection("Labels")
		for _, k := range keys {
			w.addField(k, c.Labels[k])
		}
	}

	c.Session.write(&w)
	c.Engine.write(&w)
	c.Stream.write(&w)
	return w.String()
}
