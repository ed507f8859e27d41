package stream

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how chunk payloads are encoded on the wire
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

// String returns the string representation of a Compression
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression converts a name ("none", "lz4", "zstd") to a Compression.
// The empty string is "none".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("invalid compression: %s. must be one of none, lz4, zstd", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("stream: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkSize))
	if err != nil {
		panic("stream: zstd decoder initialization failed: " + err.Error())
	}
}

// compressChunk encodes raw with mode. Data that does not get smaller is
// returned unchanged together with CompressionNone.
func compressChunk(mode Compression, raw []byte) ([]byte, Compression) {
	switch mode {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		written, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil || written == 0 || written >= len(raw) {
			return raw, CompressionNone
		}
		return dst[:written], CompressionLZ4

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if len(compressed) >= len(raw) {
			return raw, CompressionNone
		}
		return compressed, CompressionZstd

	default:
		return raw, CompressionNone
	}
}

// decompressChunk reverses compressChunk, rawLength is the expected output size.
// Lengths above MaxChunkSize are rejected before anything is allocated.
func decompressChunk(mode Compression, data []byte, rawLength int) ([]byte, error) {
	if mode != CompressionNone && (rawLength < 0 || rawLength > MaxChunkSize) {
		return nil, fmt.Errorf("%s: raw length %d exceeds the chunk limit of %d bytes", mode, rawLength, MaxChunkSize)
	}

	switch mode {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		dst := make([]byte, rawLength)
		read, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if read != rawLength {
			return nil, fmt.Errorf("lz4: got %d bytes, expected %d", read, rawLength)
		}
		return dst, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawLength))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(result) != rawLength {
			return nil, fmt.Errorf("zstd: got %d bytes, expected %d", len(result), rawLength)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression: %d", uint8(mode))
	}
}
