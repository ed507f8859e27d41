package stream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dLink/lib/clock"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/blake3"
)

var Logger = logger.GetLogger("stream")

const (
	DefaultByteMimeType = "application/octet-stream"
	DefaultTextMimeType = "text/plain"
)

// PacketWriter routes a packet to its Destinations, an empty list means every peer
type PacketWriter interface {
	WritePacket(p *common.Packet) error
}

// PacketWriterFunc adapts a function to PacketWriter
type PacketWriterFunc func(p *common.Packet) error

func (f PacketWriterFunc) WritePacket(p *common.Packet) error {
	return f(p)
}

// Options describe an outgoing stream. Zero values fall back to defaults.
type Options struct {
	Topic        string
	Attributes   map[string]string
	StreamID     string // defaults to a random uuid
	Destinations []string
	MimeType     string
	Name         string
	TotalLength  *uint64
	Compression  string // "none", "lz4" or "zstd", empty uses the configured default
	ChunkSize    int
}

// --------------------------------------------------------------------------
// Outgoing manager
// --------------------------------------------------------------------------

// Outgoing opens streams and writes their packets through a PacketWriter
type Outgoing struct {
	writer PacketWriter
	config common.StreamConfig
	clk    clock.Clock
	open   *xsync.MapOf[string, *Sender]
}

// NewOutgoing creates an outgoing stream manager
func NewOutgoing(writer PacketWriter, config common.StreamConfig, clk clock.Clock) *Outgoing {
	if clk == nil {
		clk = clock.Real()
	}
	return &Outgoing{
		writer: writer,
		config: config,
		clk:    clk,
		open:   xsync.NewMapOf[string, *Sender](),
	}
}

// StreamBytes opens a binary stream
func (o *Outgoing) StreamBytes(opts Options) (*ByteSender, error) {
	sender, err := o.openStream(opts, common.ContentBytes, DefaultByteMimeType)
	if err != nil {
		return nil, err
	}
	return &ByteSender{Sender: sender}, nil
}

// StreamText opens a text stream
func (o *Outgoing) StreamText(opts Options) (*TextSender, error) {
	sender, err := o.openStream(opts, common.ContentText, DefaultTextMimeType)
	if err != nil {
		return nil, err
	}
	return &TextSender{Sender: sender}, nil
}

// SendText sends text as a complete stream
func (o *Outgoing) SendText(text string, opts Options) error {
	if opts.TotalLength == nil {
		length := uint64(len(text))
		opts.TotalLength = &length
	}
	sender, err := o.StreamText(opts)
	if err != nil {
		return err
	}
	return finish(sender.Sender, sender.Write(text))
}

// SendBytes sends data as a complete stream
func (o *Outgoing) SendBytes(data []byte, opts Options) error {
	if opts.TotalLength == nil {
		length := uint64(len(data))
		opts.TotalLength = &length
	}
	sender, err := o.StreamBytes(opts)
	if err != nil {
		return err
	}
	return finish(sender.Sender, sender.Write(data))
}

// SendReader streams r until io.EOF as a complete stream
func (o *Outgoing) SendReader(r io.Reader, opts Options) error {
	sender, err := o.StreamBytes(opts)
	if err != nil {
		return err
	}
	_, err = sender.ReadFrom(r)
	return finish(sender.Sender, err)
}

// OpenCount returns the number of streams not closed yet
func (o *Outgoing) OpenCount() int {
	return o.open.Size()
}

// CloseAll closes every open stream with reason. A write in progress finishes
// before its stream is closed.
func (o *Outgoing) CloseAll(reason string) {
	o.open.Range(func(id string, sender *Sender) bool {
		if err := sender.Close(reason); err != nil {
			Logger.Warningf("closing stream %s: %v", id, err)
		}
		return true
	})
}

// finish closes the sender, with the write error as reason if there is one
func finish(sender *Sender, writeErr error) error {
	if writeErr != nil {
		if err := sender.Close(writeErr.Error()); err != nil {
			Logger.Warningf("closing failed stream %s: %v", sender.StreamID(), err)
		}
		return writeErr
	}
	return sender.Close("")
}

// openStream registers the stream and sends its header
func (o *Outgoing) openStream(opts Options, contentType common.ContentType, defaultMime string) (*Sender, error) {
	compressionName := opts.Compression
	if compressionName == "" {
		compressionName = o.config.Compression
	}
	compression, err := ParseCompression(compressionName)
	if err != nil {
		return nil, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = o.config.ChunkSize
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = defaultMime
	}

	dest := &packetDestination{
		manager:      o,
		streamID:     streamID,
		destinations: opts.Destinations,
		compression:  compression,
		hasher:       blake3.New(),
	}
	sender := NewSender(streamID, dest, chunkSize)
	if _, loaded := o.open.LoadOrStore(streamID, sender); loaded {
		return nil, newError(KindAlreadyOpened, "stream id %s", streamID)
	}

	header := common.NewStreamHeader(streamID, opts.Topic, contentType, o.clk.Now().UnixMilli(), opts.TotalLength)
	header.Attributes = opts.Attributes
	header.MimeType = mimeType
	header.Name = opts.Name
	header.Destinations = opts.Destinations

	if err := o.writer.WritePacket(header); err != nil {
		o.open.Delete(streamID)
		return nil, fmt.Errorf("sending stream header: %w", err)
	}

	Logger.Debugf("opened %s stream %s on topic %q", contentType, streamID, opts.Topic)
	return sender, nil
}

// --------------------------------------------------------------------------
// Packet destination
// --------------------------------------------------------------------------

// packetDestination turns chunks into stream packets
type packetDestination struct {
	manager      *Outgoing
	streamID     string
	destinations []string
	compression  Compression

	closed    atomic.Bool
	nextIndex atomic.Uint64

	mu     sync.Mutex
	hasher *blake3.Hasher
}

// --------------------------------------------------------------------------
// Interface Methods (docu see stream.Destination)
// --------------------------------------------------------------------------

func (d *packetDestination) IsOpen() bool {
	return !d.closed.Load()
}

func (d *packetDestination) Write(chunk []byte) error {
	if d.closed.Load() {
		return ErrTerminated
	}
	d.mu.Lock()
	_, _ = d.hasher.Write(chunk)
	d.mu.Unlock()

	index := d.nextIndex.Add(1) - 1
	payload, used := compressChunk(d.compression, chunk)

	p := common.NewStreamChunk(d.streamID, index, payload)
	p.RawLength = uint32(len(chunk))
	p.Compression = uint8(used)
	p.Destinations = d.destinations
	return d.manager.writer.WritePacket(p)
}

func (d *packetDestination) Close(reason string) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.manager.open.Delete(d.streamID)

	d.mu.Lock()
	digest := d.hasher.Sum(nil)
	d.mu.Unlock()

	trailer := common.NewStreamTrailer(d.streamID, reason, digest)
	trailer.Destinations = d.destinations
	if err := d.manager.writer.WritePacket(trailer); err != nil {
		return fmt.Errorf("sending stream trailer: %w", err)
	}

	Logger.Debugf("closed stream %s after %d chunks", d.streamID, d.nextIndex.Load())
	return nil
}
