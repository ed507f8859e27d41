package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const frameHeaderSize = 4

// writeFrame writes a frame to the connection with the format:
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame from the connection. Frames announcing more than
// maxSize bytes are rejected before anything is allocated.
func readFrame(conn io.Reader, header []byte, maxSize int) ([]byte, error) {
	if len(header) < frameHeaderSize {
		header = make([]byte, frameHeaderSize)
	}

	// Read header
	if _, err := io.ReadFull(conn, header[:frameHeaderSize]); err != nil {
		return nil, err
	}

	contentLength := int(binary.BigEndian.Uint32(header[:frameHeaderSize]))
	if contentLength > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the limit of %d bytes", contentLength, maxSize)
	}

	// If no data, return empty slice
	if contentLength == 0 {
		return []byte{}, nil
	}

	// The payload is handed to the message callback, so every frame gets its own buffer
	data := make([]byte, contentLength)
	if _, err := io.ReadFull(conn, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
