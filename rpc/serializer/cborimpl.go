package serializer

import (
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses Core Deterministic Encoding: sorted map keys and the smallest
// integer encoding. The same packet always produces identical bytes.
var cborEncMode cbor.EncMode

// cborDecMode ignores unknown fields
var cborDecMode cbor.DecMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("serializer: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("serializer: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewCBORSerializer creates a new serializer using deterministic CBOR encoding
func NewCBORSerializer() ISerializer {
	return &cborSerializerImpl{}
}

// cborSerializerImpl implements the ISerializer interface using cbor encoding.
// Field names are taken from the json tags of common.Packet.
type cborSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (c cborSerializerImpl) Serialize(p common.Packet) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

func (c cborSerializerImpl) Deserialize(b []byte, p *common.Packet) error {
	return cborDecMode.Unmarshal(b, p)
}
