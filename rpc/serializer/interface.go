package serializer

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// ISerializer is the interface for all packet serializers
type ISerializer interface {
	// Serialize serializes a Packet into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(p common.Packet) ([]byte, error)
	// Deserialize deserializes a byte array into a Packet
	// It takes a byte array and a pointer to a Packet as parameters
	// It returns an error if any
	Deserialize(b []byte, p *common.Packet) error
}

// Names lists the serializers ByName knows
var Names = []string{"binary", "cbor", "json", "gob"}

// ByName creates the serializer with the given name
func ByName(name string) (ISerializer, error) {
	switch strings.ToLower(name) {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "binary":
		return NewBinarySerializer(), nil
	case "cbor":
		return NewCBORSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s, must be one of %s", name, strings.Join(Names, ", "))
	}
}
