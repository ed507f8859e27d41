package serializer

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() ISerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements ISerializer using a custom binary format.
//
// Layout:
//   - 1 byte: packet type
//   - 4 bytes: presence flags (uint32, big endian)
//   - the present fields in flag order, strings and byte slices prefixed
//     with a 4 byte length, integers in fixed width big endian
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasSequence uint32 = 1 << iota
	hasReliable
	hasSender
	hasDestinations
	hasTopic
	hasData
	hasRequestID
	hasMethod
	hasVersion
	hasRpcPayload
	hasResponseTimeout
	hasErrCode
	hasErrMessage
	hasErrData
	hasStreamID
	hasTimestamp
	hasTotalLength
	hasAttributes
	hasContentType
	hasMimeType
	hasName
	hasChunkIndex
	hasRawLength
	hasCompression
	hasReason
	hasDigest
	hasAckedSequence
)

const headerSize = 5 // 1 byte type + 4 bytes flags

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(p common.Packet) ([]byte, error) {
	// Calculate total size needed
	w := binaryWriter{buf: make([]byte, headerSize, b.sizeBytes(&p))}

	// Write packet type
	w.buf[0] = byte(p.PktType)

	// Initialize flags
	var flags uint32

	// Envelope
	if p.Sequence > 0 {
		flags |= hasSequence
		w.putUint64(p.Sequence)
	}
	if p.Reliable {
		flags |= hasReliable
	}
	if p.Sender != "" {
		flags |= hasSender
		w.putString(p.Sender)
	}
	if p.Destinations != nil {
		flags |= hasDestinations
		w.putUint32(uint32(len(p.Destinations)))
		for _, d := range p.Destinations {
			w.putString(d)
		}
	}

	// User data
	if p.Topic != "" {
		flags |= hasTopic
		w.putString(p.Topic)
	}
	if p.Data != nil {
		flags |= hasData
		w.putBytes(p.Data)
	}

	// RPC
	if p.RequestID != "" {
		flags |= hasRequestID
		w.putString(p.RequestID)
	}
	if p.Method != "" {
		flags |= hasMethod
		w.putString(p.Method)
	}
	if p.Version > 0 {
		flags |= hasVersion
		w.putUint32(p.Version)
	}
	if p.RpcPayload != "" {
		flags |= hasRpcPayload
		w.putString(p.RpcPayload)
	}
	if p.ResponseTimeoutMs > 0 {
		flags |= hasResponseTimeout
		w.putUint64(p.ResponseTimeoutMs)
	}
	if p.ErrCode > 0 {
		flags |= hasErrCode
		w.putUint32(p.ErrCode)
	}
	if p.ErrMessage != "" {
		flags |= hasErrMessage
		w.putString(p.ErrMessage)
	}
	if p.ErrData != "" {
		flags |= hasErrData
		w.putString(p.ErrData)
	}

	// Streams
	if p.StreamID != "" {
		flags |= hasStreamID
		w.putString(p.StreamID)
	}
	if p.Timestamp != 0 {
		flags |= hasTimestamp
		w.putUint64(uint64(p.Timestamp))
	}
	if p.TotalLength != nil {
		flags |= hasTotalLength
		w.putUint64(*p.TotalLength)
	}
	if p.Attributes != nil {
		flags |= hasAttributes
		// sorted keys keep the encoding deterministic
		keys := make([]string, 0, len(p.Attributes))
		for k := range p.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.putUint32(uint32(len(keys)))
		for _, k := range keys {
			w.putString(k)
			w.putString(p.Attributes[k])
		}
	}
	if p.ContentType != common.ContentUnknown {
		flags |= hasContentType
		w.putByte(byte(p.ContentType))
	}
	if p.MimeType != "" {
		flags |= hasMimeType
		w.putString(p.MimeType)
	}
	if p.Name != "" {
		flags |= hasName
		w.putString(p.Name)
	}
	if p.ChunkIndex > 0 {
		flags |= hasChunkIndex
		w.putUint64(p.ChunkIndex)
	}
	if p.RawLength > 0 {
		flags |= hasRawLength
		w.putUint32(p.RawLength)
	}
	if p.Compression > 0 {
		flags |= hasCompression
		w.putByte(p.Compression)
	}
	if p.Reason != "" {
		flags |= hasReason
		w.putString(p.Reason)
	}
	if p.Digest != nil {
		flags |= hasDigest
		w.putBytes(p.Digest)
	}

	// Acknowledgement
	if p.AckedSequence > 0 {
		flags |= hasAckedSequence
		w.putUint64(p.AckedSequence)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint32(w.buf[1:headerSize], flags)

	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, p *common.Packet) error {
	// Check minimum size (type + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for packet header")
	}

	*p = common.Packet{PktType: common.PacketType(data[0])}
	flags := binary.BigEndian.Uint32(data[1:headerSize])
	r := binaryReader{data: data, pos: headerSize}

	// Envelope
	if flags&hasSequence != 0 {
		p.Sequence = r.readUint64("Sequence")
	}
	p.Reliable = flags&hasReliable != 0
	if flags&hasSender != 0 {
		p.Sender = r.readString("Sender")
	}
	if flags&hasDestinations != 0 {
		n := r.readCount("Destinations")
		p.Destinations = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			p.Destinations = append(p.Destinations, r.readString("Destinations"))
		}
	}

	// User data
	if flags&hasTopic != 0 {
		p.Topic = r.readString("Topic")
	}
	if flags&hasData != 0 {
		p.Data = r.readBytes("Data")
	}

	// RPC
	if flags&hasRequestID != 0 {
		p.RequestID = r.readString("RequestID")
	}
	if flags&hasMethod != 0 {
		p.Method = r.readString("Method")
	}
	if flags&hasVersion != 0 {
		p.Version = r.readUint32("Version")
	}
	if flags&hasRpcPayload != 0 {
		p.RpcPayload = r.readString("RpcPayload")
	}
	if flags&hasResponseTimeout != 0 {
		p.ResponseTimeoutMs = r.readUint64("ResponseTimeoutMs")
	}
	if flags&hasErrCode != 0 {
		p.ErrCode = r.readUint32("ErrCode")
	}
	if flags&hasErrMessage != 0 {
		p.ErrMessage = r.readString("ErrMessage")
	}
	if flags&hasErrData != 0 {
		p.ErrData = r.readString("ErrData")
	}

	// Streams
	if flags&hasStreamID != 0 {
		p.StreamID = r.readString("StreamID")
	}
	if flags&hasTimestamp != 0 {
		p.Timestamp = int64(r.readUint64("Timestamp"))
	}
	if flags&hasTotalLength != 0 {
		total := r.readUint64("TotalLength")
		p.TotalLength = &total
	}
	if flags&hasAttributes != 0 {
		n := r.readCount("Attributes")
		p.Attributes = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.readString("Attributes")
			p.Attributes[k] = r.readString("Attributes")
		}
	}
	if flags&hasContentType != 0 {
		p.ContentType = common.ContentType(r.readByte("ContentType"))
	}
	if flags&hasMimeType != 0 {
		p.MimeType = r.readString("MimeType")
	}
	if flags&hasName != 0 {
		p.Name = r.readString("Name")
	}
	if flags&hasChunkIndex != 0 {
		p.ChunkIndex = r.readUint64("ChunkIndex")
	}
	if flags&hasRawLength != 0 {
		p.RawLength = r.readUint32("RawLength")
	}
	if flags&hasCompression != 0 {
		p.Compression = r.readByte("Compression")
	}
	if flags&hasReason != 0 {
		p.Reason = r.readString("Reason")
	}
	if flags&hasDigest != 0 {
		p.Digest = r.readBytes("Digest")
	}

	// Acknowledgement
	if flags&hasAckedSequence != 0 {
		p.AckedSequence = r.readUint64("AckedSequence")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(p *common.Packet) int {
	size := headerSize

	str := func(s string) {
		if s != "" {
			size += 4 + len(s) // 4 bytes for length + string
		}
	}

	if p.Sequence > 0 {
		size += 8
	}
	str(p.Sender)
	if p.Destinations != nil {
		size += 4
		for _, d := range p.Destinations {
			size += 4 + len(d)
		}
	}
	str(p.Topic)
	if p.Data != nil {
		size += 4 + len(p.Data)
	}
	str(p.RequestID)
	str(p.Method)
	if p.Version > 0 {
		size += 4
	}
	str(p.RpcPayload)
	if p.ResponseTimeoutMs > 0 {
		size += 8
	}
	if p.ErrCode > 0 {
		size += 4
	}
	str(p.ErrMessage)
	str(p.ErrData)
	str(p.StreamID)
	if p.Timestamp != 0 {
		size += 8
	}
	if p.TotalLength != nil {
		size += 8
	}
	if p.Attributes != nil {
		size += 4
		for k, v := range p.Attributes {
			size += 8 + len(k) + len(v)
		}
	}
	if p.ContentType != common.ContentUnknown {
		size++
	}
	str(p.MimeType)
	str(p.Name)
	if p.ChunkIndex > 0 {
		size += 8
	}
	if p.RawLength > 0 {
		size += 4
	}
	if p.Compression > 0 {
		size++
	}
	str(p.Reason)
	if p.Digest != nil {
		size += 4 + len(p.Digest)
	}
	if p.AckedSequence > 0 {
		size += 8
	}

	return size
}

// binaryWriter appends fixed width and length prefixed values
type binaryWriter struct {
	buf []byte
}

func (w *binaryWriter) putByte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *binaryWriter) putUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *binaryWriter) putUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *binaryWriter) putString(s string) {
	w.putUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) putBytes(b []byte) {
	w.putUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader reads values and keeps the first error. Once an error occurred every
// further read returns the zero value.
type binaryReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binaryReader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *binaryReader) readByte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *binaryReader) readUint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *binaryReader) readUint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// readCount reads an element count and rejects counts that cannot fit the remaining data
func (r *binaryReader) readCount(field string) int {
	n := int(r.readUint32(field))
	if r.err == nil && n*4 > len(r.data)-r.pos {
		r.err = fmt.Errorf("invalid element count %d for %s", n, field)
		return 0
	}
	return n
}

func (r *binaryReader) readString(field string) string {
	n := int(r.readUint32(field + " length"))
	if !r.need(n, field) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

// readBytes returns a copy, an empty slice (not nil) if the encoded length is 0
func (r *binaryReader) readBytes(field string) []byte {
	n := int(r.readUint32(field + " length"))
	if !r.need(n, field) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b
}
