package msgpack

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/RobertWHurst/idmefv2transport"
)

const ContentType = "application/msgpack"

type Encoder struct{}

var _ idmefv2transport.Encoder = &Encoder{}

func (e *Encoder) ContentType() string {
	return ContentType
}

func (e *Encoder) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (d *Encoder) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func New() *Encoder {
	return &Encoder{}
}
