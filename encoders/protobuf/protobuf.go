// Package protobuf provides a Protocol Buffers encoder for IDMEFv2 messages.
// Generated proto messages are encoded as they are; IDMEFv2 messages and plain
// maps are carried as a google.protobuf.Struct.
package protobuf

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/RobertWHurst/idmefv2transport"
)

const ContentType = "application/x-protobuf"

type Encoder struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

var _ idmefv2transport.Encoder = &Encoder{}

func (e *Encoder) ContentType() string {
	return ContentType
}

func (e *Encoder) Encode(v any) ([]byte, error) {
	switch tv := v.(type) {
	case proto.Message:
		return e.mo.Marshal(tv)
	case idmefv2transport.Message:
		return e.encodeMap(tv)
	case map[string]any:
		return e.encodeMap(tv)
	}
	return nil, fmt.Errorf("protobuf: cannot encode %T", v)
}

func (e *Encoder) encodeMap(m map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	return e.mo.Marshal(s)
}

func (e *Encoder) Decode(data []byte, v any) error {
	switch tv := v.(type) {
	case proto.Message:
		return e.uo.Unmarshal(data, tv)
	case *idmefv2transport.Message:
		m, err := e.decodeMap(data)
		if err != nil {
			return err
		}
		*tv = m
		return nil
	case *map[string]any:
		m, err := e.decodeMap(data)
		if err != nil {
			return err
		}
		*tv = m
		return nil
	}
	return fmt.Errorf("protobuf: cannot decode into %T", v)
}

func (e *Encoder) decodeMap(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := e.uo.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

// New creates a Protocol Buffers encoder with deterministic marshaling.
func New() *Encoder {
	return &Encoder{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: false},
	}
}
