package serializer

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() ISerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
	"CBOR":   NewCBORSerializer,
}

// testPackets creates a set of test packets with different fields filled.
// Slices and maps are either nil or non-empty since gob, json and cbor drop empty ones.
func testPackets() []common.Packet {
	total := uint64(4096)
	return []common.Packet{
		// Basic packet with just a type
		{PktType: common.PktTSequenceAck, AckedSequence: 7},

		// Hello
		*common.NewHello("alice", common.ProtocolVersion, 12),

		// User data
		{
			PktType:      common.PktTUser,
			Sequence:     3,
			Reliable:     true,
			Sender:       "alice",
			Destinations: []string{"bob", "carol"},
			Topic:        "chat",
			Data:         []byte("hello world"),
		},

		// Rpc request and error
		*common.NewRpcRequest("req-1", "echo", `{"x":1}`, 8000, common.ProtocolVersion),
		*common.NewRpcError("req-1", 1500, "Application error in method handler", "details"),

		// Stream packets
		{
			PktType:     common.PktTStreamHeader,
			Reliable:    true,
			StreamID:    "stream-1",
			Topic:       "files",
			Timestamp:   1735689600000,
			TotalLength: &total,
			Attributes:  map[string]string{"a": "1", "b": "2"},
			ContentType: common.ContentBytes,
			MimeType:    "application/octet-stream",
			Name:        "data.bin",
		},
		{
			PktType:     common.PktTStreamChunk,
			Reliable:    true,
			StreamID:    "stream-1",
			ChunkIndex:  5,
			Data:        []byte{0, 1, 2, 3},
			RawLength:   9,
			Compression: 2,
		},
		*common.NewStreamTrailer("stream-1", "aborted", []byte{0xde, 0xad}),
	}
}

// TestSerializerRoundTrip tests that packets can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	packets := testPackets()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, p := range packets {
				// Serialize
				data, err := serializer.Serialize(p)
				if err != nil {
					t.Errorf("Failed to serialize packet %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Packet
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize packet %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(p, result) {
					t.Errorf("Packet %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, p, result)
				}
			}
		})
	}
}

// TestPacketTypes tests each packet type with each serializer
func TestPacketTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for pktType := common.PktTHello; pktType <= common.PktTStreamTrailer; pktType++ {
				p := common.Packet{PktType: pktType, Sequence: 1}

				data, err := serializer.Serialize(p)
				if err != nil {
					t.Errorf("Failed to serialize packet type %s: %v", pktType, err)
					continue
				}

				var result common.Packet
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize packet type %s: %v", pktType, err)
					continue
				}

				if result.PktType != pktType {
					t.Errorf("Packet type doesn't match after round trip: Expected %s, got %s", pktType, result.PktType)
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests edge cases only the binary format preserves
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()
	zero := uint64(0)

	testCases := []struct {
		name string
		p    common.Packet
	}{
		{name: "Empty packet", p: common.Packet{}},
		{name: "Empty data slice but not nil", p: common.Packet{PktType: common.PktTStreamChunk, Data: []byte{}}},
		{name: "Empty destinations but not nil", p: common.Packet{PktType: common.PktTUser, Destinations: []string{}}},
		{name: "Known total length of zero", p: common.Packet{PktType: common.PktTStreamHeader, TotalLength: &zero}},
		{name: "Empty attributes", p: common.Packet{PktType: common.PktTStreamHeader, Attributes: map[string]string{}}},
		{name: "Negative timestamp", p: common.Packet{PktType: common.PktTStreamHeader, Timestamp: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.p)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Packet
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if !reflect.DeepEqual(tc.p, result) {
				t.Errorf("mismatch:\nOriginal: %+v\nResult: %+v", tc.p, result)
			}
		})
	}
}

// TestBinarySizeExact checks that the precomputed size matches the encoding
func TestBinarySizeExact(t *testing.T) {
	impl := binarySerializerImpl{}
	for i, p := range testPackets() {
		data, err := impl.Serialize(p)
		if err != nil {
			t.Fatalf("Serialize(%d): %v", i, err)
		}
		if want := impl.sizeBytes(&p); len(data) != want {
			t.Errorf("packet %d: encoded %d bytes, sizeBytes %d", i, len(data), want)
		}
	}
}

// TestDeterministicEncoding checks that the binary and cbor output does not depend on map order
func TestDeterministicEncoding(t *testing.T) {
	attrs := map[string]string{}
	for _, k := range []string{"z", "y", "x", "w", "v", "u", "t", "s"} {
		attrs[k] = k + k
	}
	p := common.Packet{PktType: common.PktTStreamHeader, Attributes: attrs}

	for _, name := range []string{"Binary", "CBOR"} {
		serializer := testSerializers[name]()
		first, err := serializer.Serialize(p)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for i := 0; i < 20; i++ {
			again, _ := serializer.Serialize(p)
			if !bytes.Equal(first, again) {
				t.Fatalf("%s: encoding differs between runs", name)
			}
		}
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{name: "Empty data", data: []byte{}, expectError: true},
		{name: "Too short header", data: []byte{1, 0, 0}, expectError: true},
		{name: "Valid header only", data: []byte{1, 0, 0, 0, 0}, expectError: false},
		{
			// Claims sender length 5 but only 3 bytes provided
			name:        "Invalid length for sender",
			data:        []byte{3, 0, 0, 0, 4, 0, 0, 0, 5, 'a', 'b', 'c'},
			expectError: true,
		},
		{
			// Claims a sequence but no bytes provided
			name:        "Missing sequence",
			data:        []byte{3, 0, 0, 0, 1},
			expectError: true,
		},
		{
			// Claims 1000 destinations in an empty body
			name:        "Invalid destination count",
			data:        []byte{3, 0, 0, 0, 8, 0, 0, 0x03, 0xe8},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var p common.Packet
			err := serializer.Deserialize(tc.data, &p)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range Names {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("ByName(xml) returned no error")
	}
}
