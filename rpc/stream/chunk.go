package stream

import (
	"iter"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// DefaultChunkSize is used whenever a chunk size <= 0 is given. A full chunk
// still fits into a MaxPacketSize message once the envelope is added.
const DefaultChunkSize = common.DefaultChunkSize

// MaxChunkSize bounds the decoded size of a received chunk
const MaxChunkSize = 256 * 1024

func effectiveChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	return min(size, MaxChunkSize)
}

// ByteChunks yields data in chunks of at most size bytes. Every chunk is a
// copy, empty input yields nothing.
func ByteChunks(data []byte, size int) iter.Seq[[]byte] {
	size = effectiveChunkSize(size)
	return func(yield func([]byte) bool) {
		for start := 0; start < len(data); start += size {
			end := min(start+size, len(data))
			chunk := make([]byte, end-start)
			copy(chunk, data[start:end])
			if !yield(chunk) {
				return
			}
		}
	}
}

// TextChunks yields text in chunks of at most size bytes without splitting a
// UTF-8 character. A single character wider than size forms its own chunk.
func TextChunks(text string, size int) iter.Seq[[]byte] {
	size = effectiveChunkSize(size)
	return func(yield func([]byte) bool) {
		start := 0
		for start < len(text) {
			end := start
			for end < len(text) {
				width := utf8Width(text[end])
				if end+width-start > size && end > start {
					break
				}
				end = min(end+width, len(text))
			}
			if !yield([]byte(text[start:end])) {
				return
			}
			start = end
		}
	}
}

// utf8Width returns the encoded width announced by a lead byte
func utf8Width(lead byte) int {
	switch {
	case lead&0xF8 == 0xF0:
		return 4
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xE0 == 0xC0:
		return 2
	default:
		return 1
	}
}
