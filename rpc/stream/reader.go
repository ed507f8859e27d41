package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// Info describes an incoming stream as announced by its header
type Info struct {
	StreamID    string
	Topic       string
	Sender      string
	Timestamp   time.Time
	TotalLength *uint64
	Attributes  map[string]string
	ContentType common.ContentType
	MimeType    string
	Name        string
}

// --------------------------------------------------------------------------
// Reader core
// --------------------------------------------------------------------------

// readerCore queues the chunks of one stream until they are read. The queue
// is unbounded so push never blocks the receiving side. finish ends the
// stream, chunks queued before are still delivered.
type readerCore struct {
	mu       sync.Mutex
	chunks   [][]byte
	finished bool
	err      error // io.EOF after a clean end

	notify chan struct{} // signaled after push and finish
}

// newReaderCore creates a reader core, capacity is the initial queue capacity
func newReaderCore(capacity int) *readerCore {
	return &readerCore{
		chunks: make([][]byte, 0, max(capacity, 1)),
		notify: make(chan struct{}, 1),
	}
}

func (r *readerCore) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// push queues chunk. It returns false once the stream is finished.
func (r *readerCore) push(chunk []byte) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()

	r.signal()
	return true
}

// finish ends the stream with err, nil means a clean end. Only the first call counts.
func (r *readerCore) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	if err == nil {
		err = io.EOF
	}
	r.err = err
	r.finished = true
	r.mu.Unlock()

	r.signal()
}

// pending returns the number of queued chunks
func (r *readerCore) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// next returns the next chunk or the terminal error
func (r *readerCore) next(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if len(r.chunks) > 0 {
			chunk := r.chunks[0]
			r.chunks[0] = nil
			r.chunks = r.chunks[1:]
			r.mu.Unlock()
			return chunk, nil
		}
		if r.finished {
			r.mu.Unlock()
			return nil, r.err
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// --------------------------------------------------------------------------
// Typed readers
// --------------------------------------------------------------------------

// ByteReader reads a binary stream chunk by chunk. It also implements io.Reader.
type ByteReader struct {
	Info

	core    *readerCore
	pending []byte
}

// ReadNext returns the next chunk, io.EOF after a clean end or the stream error
func (r *ByteReader) ReadNext(ctx context.Context) ([]byte, error) {
	return r.core.next(ctx)
}

// ReadAll reads the remaining stream and returns it concatenated
func (r *ByteReader) ReadAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(r.pending)
	r.pending = nil

	for {
		chunk, err := r.core.next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}

// Read implements io.Reader
func (r *ByteReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		chunk, err := r.core.next(context.Background())
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// TextReader reads a UTF-8 text stream chunk by chunk
type TextReader struct {
	Info

	core *readerCore
}

// ReadNext returns the next chunk as string, io.EOF after a clean end or the stream error
func (r *TextReader) ReadNext(ctx context.Context) (string, error) {
	chunk, err := r.core.next(ctx)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(chunk) {
		return "", newError(KindDecodeFailed, "chunk of stream %s is not valid UTF-8", r.StreamID)
	}
	return string(chunk), nil
}

// ReadAll reads the remaining stream and returns it concatenated
func (r *TextReader) ReadAll(ctx context.Context) (string, error) {
	var sb strings.Builder
	for {
		text, err := r.ReadNext(ctx)
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(text)
	}
}
