package common

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestPacketTypeJSON(t *testing.T) {
	for pktType, name := range packetTypeNames {
		b, err := json.Marshal(pktType)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", pktType, err)
		}
		if string(b) != `"`+name+`"` {
			t.Errorf("Marshal(%v) = %s, want %q", pktType, b, name)
		}

		var decoded PacketType
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if decoded != pktType {
			t.Errorf("Unmarshal(%s) = %v, want %v", b, decoded, pktType)
		}
	}

	var unknown PacketType
	if err := json.Unmarshal([]byte(`"Bogus"`), &unknown); err != nil || unknown != PktTUnknown {
		t.Errorf("Unmarshal(Bogus) = %v, %v", unknown, err)
	}
}

func TestPacketJSONUsesNames(t *testing.T) {
	total := uint64(3)
	p := NewStreamHeader("s1", "files", ContentText, 42, &total)

	s := p.String()
	for _, want := range []string{`"pkt_type":"StreamHeader"`, `"content_type":"text"`, `"total_length":3`} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %s, missing %s", s, want)
		}
	}
}

func TestPacketClassification(t *testing.T) {
	tests := []struct {
		p        *Packet
		isRpc    bool
		isStream bool
	}{
		{NewRpcRequest("r", "m", "", 0, ProtocolVersion), true, false},
		{NewRpcAck("r"), true, false},
		{NewRpcResponse("r", "x"), true, false},
		{NewRpcError("r", 1500, "boom", ""), true, false},
		{NewStreamChunk("s", 0, []byte("x")), false, true},
		{NewStreamTrailer("s", "", nil), false, true},
		{NewUserPacket("t", nil, false, nil), false, false},
		{NewSequenceAck(3), false, false},
	}
	for _, tt := range tests {
		if tt.p.IsRpc() != tt.isRpc || tt.p.IsStream() != tt.isStream {
			t.Errorf("%v: IsRpc=%v IsStream=%v", tt.p.PktType, tt.p.IsRpc(), tt.p.IsStream())
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	valid := map[string]logger.LogLevel{
		"debug": logger.DEBUG,
		"INFO":  logger.INFO,
		"warn":  logger.WARNING,
		"error": logger.ERROR,
	}
	for in, want := range valid {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("ParseLogLevel(loud) returned no error")
	}
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stdout)

	l := CreateLogger("engine")
	l.SetLevel(logger.WARNING)
	l.Infof("hidden")
	l.Warningf("visible %d", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line printed at warning level: %q", out)
	}
	if !strings.Contains(out, "WARN  | engine     | visible 1") {
		t.Errorf("unexpected log line: %q", out)
	}
}

func TestConfigString(t *testing.T) {
	conf := DefaultPeerConfig("alice")
	conf.Labels = map[string]string{"b": "2", "a": "1"}
	s := conf.String()

	for _, section := range []string{"PEER", "LABELS", "SESSION", "REPLAY BUFFER", "RPC", "STREAMS"} {
		if !strings.Contains(s, section) {
			t.Errorf("String() missing section %s", section)
		}
	}
	if strings.Index(s, "  a ") > strings.Index(s, "  b ") {
		t.Error("labels are not sorted")
	}

	tc := DefaultTransportConfig("localhost:7000")
	if !strings.Contains(tc.String(), "localhost:7000") {
		t.Error("transport String() missing endpoint")
	}
}
