package idmefv2transport

import "context"

// Transport defines the interface every transport medium implements.
// A Transport moves IDMEFv2 messages between the application and a remote
// peer, and optionally delivers inbound messages to a Sink.
//
// A Transport goes through the states created, started and stopped exactly
// once. A stopped Transport cannot be started again; construct a new one.
type Transport interface {
	// Start acquires the underlying substrate. It blocks until the transport
	// can send and, when it was constructed with a Sink, receive.
	// Start fails with ErrAlreadyStarted unless the transport was just created,
	// and with ErrTransportInit if the substrate cannot be acquired. A failed
	// Start leaves the transport in its created state.
	Start(ctx context.Context) error

	// Stop stops the receive worker, waits for it to exit and releases every
	// resource acquired by Start. No message is delivered to the Sink after
	// Stop returns. Stop fails with ErrNotStarted before Start and with
	// ErrAlreadyStopped when called twice.
	Stop() error

	// SendMessage encodes msg with the transport's content type and hands it
	// to the substrate, returning once the substrate acknowledged it.
	// It fails with ErrNotStarted outside the started state, ErrEncoding or
	// ErrUnsupportedContentType when msg cannot be serialized, and
	// ErrDelivery when the substrate rejected or failed the send.
	SendMessage(ctx context.Context, msg Message) error
}
