package stream

import (
	"bytes"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/blake3"
)

// ByteStreamHandler is invoked on its own goroutine for every binary stream of a topic
type ByteStreamHandler func(reader *ByteReader)

// TextStreamHandler is invoked on its own goroutine for every text stream of a topic
type TextStreamHandler func(reader *TextReader)

// incomingStream is the receive state of one open stream
type incomingStream struct {
	info Info
	core *readerCore

	mu        sync.Mutex
	nextIndex uint64
	read      uint64
	hasher    *blake3.Hasher
}

// Incoming reassembles inbound streams and hands them to topic handlers
type Incoming struct {
	config       common.StreamConfig
	byteHandlers *xsync.MapOf[string, ByteStreamHandler]
	textHandlers *xsync.MapOf[string, TextStreamHandler]
	open         *xsync.MapOf[string, *incomingStream]
}

// NewIncoming creates an incoming stream manager
func NewIncoming(config common.StreamConfig) *Incoming {
	return &Incoming{
		config:       config,
		byteHandlers: xsync.NewMapOf[string, ByteStreamHandler](),
		textHandlers: xsync.NewMapOf[string, TextStreamHandler](),
		open:         xsync.NewMapOf[string, *incomingStream](),
	}
}

// --------------------------------------------------------------------------
// Handler registration
// --------------------------------------------------------------------------

// RegisterByteHandler sets the handler of binary streams on topic
func (in *Incoming) RegisterByteHandler(topic string, handler ByteStreamHandler) error {
	if _, loaded := in.byteHandlers.LoadOrStore(topic, handler); loaded {
		return ErrHandlerRegistered
	}
	return nil
}

// UnregisterByteHandler removes the binary handler of topic
func (in *Incoming) UnregisterByteHandler(topic string) {
	in.byteHandlers.Delete(topic)
}

// RegisterTextHandler sets the handler of text streams on topic
func (in *Incoming) RegisterTextHandler(topic string, handler TextStreamHandler) error {
	if _, loaded := in.textHandlers.LoadOrStore(topic, handler); loaded {
		return ErrHandlerRegistered
	}
	return nil
}

// UnregisterTextHandler removes the text handler of topic
func (in *Incoming) UnregisterTextHandler(topic string) {
	in.textHandlers.Delete(topic)
}

// --------------------------------------------------------------------------
// Packet handling
// --------------------------------------------------------------------------

// HandleHeader opens a reader for the stream and starts the topic handler.
// Duplicate headers and streams without handler are ignored.
func (in *Incoming) HandleHeader(p *common.Packet, from string) {
	if _, exists := in.open.Load(p.StreamID); exists {
		Logger.Warningf("ignoring duplicate header of stream %s from %s", p.StreamID, from)
		return
	}

	info := Info{
		StreamID:    p.StreamID,
		Topic:       p.Topic,
		Sender:      from,
		Timestamp:   time.UnixMilli(p.Timestamp),
		TotalLength: p.TotalLength,
		Attributes:  p.Attributes,
		ContentType: p.ContentType,
		MimeType:    p.MimeType,
		Name:        p.Name,
	}

	var start func(core *readerCore)
	if p.ContentType == common.ContentText {
		handler, ok := in.textHandlers.Load(p.Topic)
		if !ok {
			Logger.Warningf("no text stream handler for topic %q, ignoring stream %s", p.Topic, p.StreamID)
			return
		}
		start = func(core *readerCore) {
			runHandler(p.StreamID, func() { handler(&TextReader{Info: info, core: core}) })
		}
	} else {
		handler, ok := in.byteHandlers.Load(p.Topic)
		if !ok {
			Logger.Warningf("no byte stream handler for topic %q, ignoring stream %s", p.Topic, p.StreamID)
			return
		}
		start = func(core *readerCore) {
			runHandler(p.StreamID, func() { handler(&ByteReader{Info: info, core: core}) })
		}
	}

	st := &incomingStream{
		info:   info,
		core:   newReaderCore(in.config.ReaderBuffer),
		hasher: blake3.New(),
	}
	if _, loaded := in.open.LoadOrStore(p.StreamID, st); loaded {
		Logger.Warningf("ignoring duplicate header of stream %s from %s", p.StreamID, from)
		return
	}

	Logger.Debugf("receiving %s stream %s on topic %q from %s", p.ContentType, p.StreamID, p.Topic, from)
	go start(st.core)
}

// HandleChunk appends a chunk to its stream. A failing chunk ends the stream
// with the returned error.
func (in *Incoming) HandleChunk(p *common.Packet) error {
	st, ok := in.open.Load(p.StreamID)
	if !ok {
		return newError(KindUnknownStream, "chunk %d of stream %s", p.ChunkIndex, p.StreamID)
	}

	st.mu.Lock()
	if p.ChunkIndex != st.nextIndex {
		expected := st.nextIndex
		st.mu.Unlock()
		return in.fail(st, newError(KindOutOfOrder, "got chunk %d, expected %d", p.ChunkIndex, expected))
	}

	data, err := decompressChunk(Compression(p.Compression), p.Data, int(p.RawLength))
	if err != nil {
		st.mu.Unlock()
		return in.fail(st, newError(KindDecodeFailed, "chunk %d: %v", p.ChunkIndex, err))
	}

	st.read += uint64(len(data))
	if total := st.info.TotalLength; total != nil && st.read > *total {
		read := st.read
		st.mu.Unlock()
		return in.fail(st, newError(KindLengthExceeded, "read %d bytes of %d", read, *total))
	}

	st.nextIndex++
	_, _ = st.hasher.Write(data)
	st.mu.Unlock()

	if !st.core.push(data) {
		return ErrTerminated
	}
	return nil
}

// HandleTrailer ends a stream. It returns the error the reader sees, nil on a clean end.
func (in *Incoming) HandleTrailer(p *common.Packet) error {
	st, ok := in.open.LoadAndDelete(p.StreamID)
	if !ok {
		return newError(KindUnknownStream, "trailer of stream %s", p.StreamID)
	}

	st.mu.Lock()
	read := st.read
	digest := st.hasher.Sum(nil)
	st.mu.Unlock()

	var err error
	switch total := st.info.TotalLength; {
	case total != nil && read != *total:
		err = newError(KindIncomplete, "read %d bytes of %d", read, *total)
	case len(p.Digest) > 0 && !bytes.Equal(p.Digest, digest):
		err = newError(KindDecodeFailed, "digest mismatch")
	case p.Reason != "":
		err = AbnormalEnd(truncateReason(p.Reason))
	}

	st.core.finish(err)
	return err
}

// ClearOpenStreams fails every open stream with ErrTerminated
func (in *Incoming) ClearOpenStreams() int {
	return in.clear(func(*incomingStream) bool { return true })
}

// ClearStreamsFrom fails the open streams of one sender with ErrTerminated
func (in *Incoming) ClearStreamsFrom(sender string) int {
	return in.clear(func(st *incomingStream) bool { return st.info.Sender == sender })
}

// OpenCount returns the number of streams being received
func (in *Incoming) OpenCount() int {
	return in.open.Size()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (in *Incoming) clear(match func(*incomingStream) bool) int {
	count := 0
	in.open.Range(func(id string, st *incomingStream) bool {
		if match(st) {
			if _, ok := in.open.LoadAndDelete(id); ok {
				st.core.finish(newError(KindTerminated, "stream %s was cleared", id))
				count++
			}
		}
		return true
	})
	return count
}

func (in *Incoming) fail(st *incomingStream, err error) error {
	in.open.Delete(st.info.StreamID)
	st.core.finish(err)
	Logger.Warningf("stream %s failed: %v", st.info.StreamID, err)
	return err
}

// runHandler runs fn and logs a panic instead of propagating it
func runHandler(streamID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("stream handler for %s panicked: %v", streamID, r)
		}
	}()
	fn()
}

// maxReasonBytes caps the reason kept from a trailer
const maxReasonBytes = 256

func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	end := maxReasonBytes
	for end > 0 && !utf8.RuneStart(reason[end]) {
		end--
	}
	return reason[:end]
}
