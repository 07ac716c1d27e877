package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
)

// NewJSONSerializer creates a serializer encoding messages as json objects.
// Payloads are carried base64 encoded.
func NewJSONSerializer() IRPCSerializer {
	return &stdSerializerImpl{
		name:   "json",
		encode: json.Marshal,
		decode: func(b []byte, msg *common.Message) error {
			return json.Unmarshal(b, msg)
		},
	}
}

// NewGOBSerializer creates a serializer using Go's gob format. Every frame
// carries its own type description, so it is the largest of the formats.
func NewGOBSerializer() IRPCSerializer {
	return &stdSerializerImpl{
		name:   "gob",
		encode: func(v any) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		decode: func(b []byte, msg *common.Message) error {
			return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
		},
	}
}

// stdSerializerImpl adapts a standard library codec to IRPCSerializer
type stdSerializerImpl struct {
	name   string
	encode func(v any) ([]byte, error)
	decode func(b []byte, msg *common.Message) error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s *stdSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return s.encode(msg)
}

// Deserialize resets msg before decoding, so fields missing from b never
// leak over from a previously decoded message
func (s *stdSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if err := s.decode(b, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrDecode, s.name, err)
	}
	return nil
}
