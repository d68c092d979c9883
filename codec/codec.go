// Package codec resolves content types to encoders. A Registry is the single
// place where the transports turn messages into bytes and back, so every medium
// handles a given content type identically.
package codec

import (
	"fmt"
	"mime"
	"strings"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/encoders/cbor"
	"github.com/RobertWHurst/idmefv2transport/encoders/json"
	"github.com/RobertWHurst/idmefv2transport/encoders/msgpack"
	"github.com/RobertWHurst/idmefv2transport/encoders/protobuf"
)

// Default is the registry used by transports that are not given one. It holds
// JSON, MessagePack, Protocol Buffers and CBOR and is never modified.
var Default = NewRegistry(
	Entry{Encoder: json.New()},
	Entry{Encoder: msgpack.New(), Aliases: []string{"application/x-msgpack", "application/vnd.msgpack"}},
	Entry{Encoder: protobuf.New(), Aliases: []string{"application/protobuf", "application/vnd.google.protobuf"}},
	Entry{Encoder: cbor.MustNew()},
)

// Entry registers an encoder under its own content type and any aliases.
type Entry struct {
	Encoder idmefv2transport.Encoder
	Aliases []string
}

// Registry maps content types to encoders. It is immutable once built and
// safe for concurrent use.
type Registry struct {
	byType map[string]idmefv2transport.Encoder
}

var _ idmefv2transport.Codec = &Registry{}

// NewRegistry builds a registry from entries. Later entries win when content
// types collide.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{byType: make(map[string]idmefv2transport.Encoder)}
	for _, e := range entries {
		r.byType[Normalize(e.Encoder.ContentType())] = e.Encoder
		for _, alias := range e.Aliases {
			r.byType[Normalize(alias)] = e.Encoder
		}
	}
	return r
}

// Normalize lower-cases a MIME type and strips its parameters, so that
// "Application/JSON; charset=utf-8" resolves like "application/json".
func Normalize(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// ContentTypes returns every content type the registry resolves.
func (r *Registry) ContentTypes() []string {
	types := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		types = append(types, ct)
	}
	return types
}

// Supports reports whether contentType resolves to an encoder.
func (r *Registry) Supports(contentType string) bool {
	_, ok := r.byType[Normalize(contentType)]
	return ok
}

// Lookup returns the encoder for contentType.
func (r *Registry) Lookup(contentType string) (idmefv2transport.Encoder, error) {
	enc, ok := r.byType[Normalize(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", idmefv2transport.ErrUnsupportedContentType, contentType)
	}
	return enc, nil
}

// Encode serializes msg for contentType.
func (r *Registry) Encode(msg idmefv2transport.Message, contentType string) ([]byte, error) {
	enc, err := r.Lookup(contentType)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", idmefv2transport.ErrEncoding)
	}
	data, err := enc.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", idmefv2transport.ErrEncoding, enc.ContentType(), err)
	}
	return data, nil
}

// Decode deserializes data of contentType. The payload must hold a single
// object; anything else is a decoding error.
func (r *Registry) Decode(data []byte, contentType string) (idmefv2transport.Message, error) {
	enc, err := r.Lookup(contentType)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", idmefv2transport.ErrDecoding)
	}
	var msg idmefv2transport.Message
	if err := enc.Decode(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", idmefv2transport.ErrDecoding, enc.ContentType(), err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s: payload is not an object", idmefv2transport.ErrDecoding, enc.ContentType())
	}
	return msg, nil
}
