// Package json provides a JSON encoder for IDMEFv2 messages.
// It uses Go's standard encoding/json package for serialization.
package json

import (
	"encoding/json"

	"github.com/RobertWHurst/idmefv2transport"
)

// ContentType is the MIME type produced by the encoder.
const ContentType = "application/json"

// Encoder implements idmefv2transport.Encoder using JSON serialization.
// JSON is the reference encoding for IDMEFv2 and the one every peer is
// expected to understand.
type Encoder struct{}

var _ idmefv2transport.Encoder = &Encoder{}

// ContentType returns application/json.
func (e *Encoder) ContentType() string {
	return ContentType
}

// Encode serializes v to JSON bytes.
func (e *Encoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes into v.
func (d *Encoder) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// New creates a new JSON encoder.
func New() *Encoder {
	return &Encoder{}
}
