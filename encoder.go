package idmefv2transport

// Encoder defines the interface for message serialization and deserialization.
// Implementations include JSON, MessagePack, Protocol Buffers and CBOR encoders.
type Encoder interface {
	// ContentType returns the canonical MIME type produced by the encoder.
	ContentType() string

	// Encode serializes v into bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v.
	Decode(data []byte, v any) error
}

// Codec encodes and decodes messages for a content type. It is the single
// place where content types are resolved, so that every medium treats a given
// content type the same way.
type Codec interface {
	// Supports reports whether contentType can be encoded and decoded.
	Supports(contentType string) bool

	// Encode serializes msg for contentType.
	Encode(msg Message, contentType string) ([]byte, error)

	// Decode deserializes data of contentType into a Message.
	Decode(data []byte, contentType string) (Message, error)
}
