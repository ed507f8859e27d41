package util

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 40)
	for _, line := range strings.Split(WrapString(text), "\n") {
		if len(line) > Wrap {
			t.Errorf("line %q is longer than %d characters", line, Wrap)
		}
	}

	if got := WrapString("  short   text "); got != "short text" {
		t.Errorf("WrapString() = %q, want %q", got, "short text")
	}
}

func TestGetTransportConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("endpoint", "localhost:7001")
	viper.Set("timeout", 3)
	viper.Set("transport-max-message-size", 32)
	viper.Set("transport-write-buffer", 8)
	viper.Set("transport-tcp-nodelay", true)

	config := GetTransportConfig()
	if config.Endpoint != "localhost:7001" {
		t.Errorf("Endpoint = %q", config.Endpoint)
	}
	if config.TimeoutSecond != 3 {
		t.Errorf("TimeoutSecond = %d", config.TimeoutSecond)
	}
	if config.MaxMessageSize != 32*1024 {
		t.Errorf("MaxMessageSize = %d", config.MaxMessageSize)
	}
	if config.WriteBufferSize != 8*1024 {
		t.Errorf("WriteBufferSize = %d", config.WriteBufferSize)
	}
	if !config.TCPNoDelay {
		t.Error("TCPNoDelay should be set")
	}
}

func TestGetIdentity(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("identity", "alice")
	if got := GetIdentity(); got != "alice" {
		t.Errorf("GetIdentity() = %q, want alice", got)
	}

	viper.Set("identity", "")
	a, b := GetIdentity(), GetIdentity()
	if a == "" || a == b {
		t.Errorf("generated identities %q and %q should be unique", a, b)
	}
}

func TestFactories(t *testing.T) {
	t.Cleanup(viper.Reset)

	for _, name := range Transports {
		viper.Set("transport", name)
		if _, err := NewDialer(GetTransportConfig()); err != nil {
			t.Errorf("NewDialer(%s) failed: %v", name, err)
		}
	}

	viper.Set("transport", "carrier-pigeon")
	if _, err := NewDialer(GetTransportConfig()); err == nil {
		t.Error("NewDialer should reject unknown transports")
	}
	if _, err := NewListener(GetTransportConfig(), nil); err == nil {
		t.Error("NewListener should reject unknown transports")
	}

	viper.Set("serializer", "cbor")
	if _, err := GetSerializer(); err != nil {
		t.Errorf("GetSerializer(cbor) failed: %v", err)
	}
	viper.Set("serializer", "xml")
	if _, err := GetSerializer(); err == nil {
		t.Error("GetSerializer should reject unknown serializers")
	}
}
