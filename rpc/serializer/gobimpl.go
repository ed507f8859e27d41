package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() ISerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the ISerializer interface using gob encoding.
// Every packet carries its own type description, which makes the packets self-contained
// at the cost of size.
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(p common.Packet) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, p *common.Packet) error {
	buf := bytes.NewBuffer(b)
	dec := gob.NewDecoder(buf)
	return dec.Decode(p)
}
