package stream

import (
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// readFromBlockSize is the read size of ByteSender.ReadFrom
const readFromBlockSize = 4 * 1024

// Destination receives the chunks of one outgoing stream
type Destination interface {
	// IsOpen reports whether the destination still accepts chunks
	IsOpen() bool
	// Write transmits one chunk
	Write(chunk []byte) error
	// Close ends the stream, a non-empty reason marks an abnormal end
	Close(reason string) error
}

// --------------------------------------------------------------------------
// Sender
// --------------------------------------------------------------------------

// Sender writes payloads to a Destination in bounded chunks.
//
// Thread-safety: writes are serialized, chunks of two concurrent writes never interleave.
type Sender struct {
	id        string
	dest      Destination
	chunkSize int

	mu      sync.Mutex
	closed  atomic.Bool
	written atomic.Uint64
}

// NewSender creates a sender for the stream id, chunkSize <= 0 uses DefaultChunkSize
func NewSender(id string, dest Destination, chunkSize int) *Sender {
	return &Sender{
		id:        id,
		dest:      dest,
		chunkSize: effectiveChunkSize(chunkSize),
	}
}

// StreamID returns the id of the stream
func (s *Sender) StreamID() string {
	return s.id
}

// IsOpen reports whether the stream accepts writes
func (s *Sender) IsOpen() bool {
	return !s.closed.Load() && s.dest.IsOpen()
}

// WrittenBytes returns the number of payload bytes handed to the destination
func (s *Sender) WrittenBytes() uint64 {
	return s.written.Load()
}

// Close ends the stream. Only the first call reaches the destination.
func (s *Sender) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.dest.Close(reason)
}

// writeChunks pulls chunks one at a time, each chunk reaches the destination
// before the next one is produced
func (s *Sender) writeChunks(chunks iter.Seq[[]byte]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsOpen() {
		return ErrTerminated
	}
	for chunk := range chunks {
		if err := s.dest.Write(chunk); err != nil {
			return err
		}
		s.written.Add(uint64(len(chunk)))
	}
	return nil
}

// --------------------------------------------------------------------------
// Typed senders
// --------------------------------------------------------------------------

// ByteSender is a Sender for binary streams
type ByteSender struct {
	*Sender
}

// NewByteSender creates a binary stream sender
func NewByteSender(id string, dest Destination, chunkSize int) *ByteSender {
	return &ByteSender{Sender: NewSender(id, dest, chunkSize)}
}

// Write sends data as one or more chunks
func (s *ByteSender) Write(data []byte) error {
	return s.writeChunks(ByteChunks(data, s.chunkSize))
}

// ReadFrom streams r until io.EOF, it implements io.ReaderFrom
func (s *ByteSender) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	pending := make([]byte, 0, s.chunkSize)
	block := make([]byte, readFromBlockSize)

	for {
		n, err := r.Read(block)
		if n > 0 {
			total += int64(n)
			pending = append(pending, block[:n]...)
			if len(pending) >= s.chunkSize {
				full := len(pending) - len(pending)%s.chunkSize
				if writeErr := s.Write(pending[:full]); writeErr != nil {
					return total, writeErr
				}
				pending = append(pending[:0], pending[full:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
	}

	if len(pending) > 0 {
		if err := s.Write(pending); err != nil {
			return total, err
		}
	}
	return total, nil
}

// TextSender is a Sender for UTF-8 text streams
type TextSender struct {
	*Sender
}

// NewTextSender creates a text stream sender
func NewTextSender(id string, dest Destination, chunkSize int) *TextSender {
	return &TextSender{Sender: NewSender(id, dest, chunkSize)}
}

// Write sends text as one or more chunks, characters are never split
func (s *TextSender) Write(text string) error {
	return s.writeChunks(TextChunks(text, s.chunkSize))
}
