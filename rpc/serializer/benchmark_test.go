package serializer

import (
	"testing"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// benchmarkPackets returns a set of packets for targeted benchmarking
func benchmarkPackets() map[string]common.Packet {
	total := uint64(1 << 20)
	return map[string]common.Packet{
		"SequenceAck": *common.NewSequenceAck(123456),
		"RpcRequest":  *common.NewRpcRequest("0d6d4b8e-4a1f-4c1c-9d6c-3f1b4b1a2c3d", "echo", `{"message":"hello"}`, 8000, common.ProtocolVersion),
		"RpcError":    *common.NewRpcError("0d6d4b8e-4a1f-4c1c-9d6c-3f1b4b1a2c3d", 1500, "Application error in method handler", "Lorem ipsum dolor sit amet"),
		"StreamHeader": {
			PktType:     common.PktTStreamHeader,
			StreamID:    "0d6d4b8e-4a1f-4c1c-9d6c-3f1b4b1a2c3d",
			Topic:       "files",
			TotalLength: &total,
			ContentType: common.ContentBytes,
			MimeType:    "application/octet-stream",
			Attributes:  map[string]string{"owner": "alice"},
		},
		"SmallChunk": *common.NewStreamChunk("0d6d4b8e-4a1f-4c1c-9d6c-3f1b4b1a2c3d", 1, make([]byte, 128)),
		"LargeChunk": *common.NewStreamChunk("0d6d4b8e-4a1f-4c1c-9d6c-3f1b4b1a2c3d", 2, make([]byte, 15000)),
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various packet types
func BenchmarkSerialize(b *testing.B) {
	packets := benchmarkPackets()

	for name, factory := range testSerializers {
		for pktName, p := range packets {
			b.Run(name+"_"+pktName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					if _, err := serializer.Serialize(p); err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various packet types
func BenchmarkDeserialize(b *testing.B) {
	packets := benchmarkPackets()

	for name, factory := range testSerializers {
		for pktName, p := range packets {
			b.Run(name+"_"+pktName, func(b *testing.B) {
				serializer := factory()
				data, err := serializer.Serialize(p)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var result common.Packet
					if err := serializer.Deserialize(data, &result); err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each packet type
func BenchmarkSize(b *testing.B) {
	packets := benchmarkPackets()

	for name, factory := range testSerializers {
		serializer := factory()

		for pktName, p := range packets {
			b.Run(name+"_"+pktName, func(b *testing.B) {
				data, err := serializer.Serialize(p)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
