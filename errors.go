package idmefv2transport

import "errors"

// Errors returned by transports, the codec and the transport factory. They are
// wrapped with context and the underlying cause; match them with errors.Is.
var (
	// ErrConfiguration reports missing or invalid construction options.
	ErrConfiguration = errors.New("invalid transport configuration")
	// ErrUnknownScheme reports a URI whose scheme no transport handles.
	ErrUnknownScheme = errors.New("unknown transport scheme")
	// ErrTransportInit reports a substrate that could not be acquired by Start.
	ErrTransportInit = errors.New("transport initialization failed")

	ErrAlreadyStarted = errors.New("transport already started")
	ErrNotStarted     = errors.New("transport not started")
	ErrAlreadyStopped = errors.New("transport already stopped")

	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrEncoding               = errors.New("failed to encode message")
	ErrDecoding               = errors.New("failed to decode message")

	// ErrDelivery reports a send the substrate rejected or failed to transmit,
	// and a receive worker that lost its substrate.
	ErrDelivery = errors.New("message delivery failed")
)
