package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dLink/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() ISerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the ISerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(p common.Packet) ([]byte, error) {
	return json.Marshal(p)
}

func (j jsonSerializerImpl) Deserialize(b []byte, p *common.Packet) error {
	return json.Unmarshal(b, p)
}
