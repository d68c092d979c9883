// Package cbor provides a deterministic CBOR (RFC 8949) encoder for IDMEFv2
// messages.
package cbor

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/RobertWHurst/idmefv2transport"
)

const ContentType = "application/cbor"

// Encoder implements idmefv2transport.Encoder using canonical CBOR. Maps are
// decoded with string keys so that decoded messages match the JSON data model.
type Encoder struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ idmefv2transport.Encoder = &Encoder{}

func (e *Encoder) ContentType() string {
	return ContentType
}

func (e *Encoder) Encode(v any) ([]byte, error) {
	return e.enc.Marshal(v)
}

func (e *Encoder) Decode(data []byte, v any) error {
	return e.dec.Unmarshal(data, v)
}

// New creates a CBOR encoder. It fails only if the fixed encoder options are
// rejected by the cbor library.
func New() (*Encoder, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Encoder{enc: enc, dec: dec}, nil
}

// MustNew is like New but panics on error.
func MustNew() *Encoder {
	e, err := New()
	if err != nil {
		panic(err)
	}
	return e
}
