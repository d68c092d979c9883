// Package natstransport is the NATS JetStream driver of the broker transport.
// Records are published on the topic subject and kept in a stream derived
// from it; receivers pull from a durable consumer named by the group.
package natstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/brokertransport"
)

// ConnectTimeout bounds the initial connection to the server.
const ConnectTimeout = 10 * time.Second

const contentTypeHeader = "Content-Type"

type driver struct {
	url      string
	subject  string
	stream   string
	durable  string
	clientID string
	acks     string
	tls      *tls.Config

	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	// publishMu serialises core publishes with their flush.
	publishMu sync.Mutex
}

// New creates a NATS JetStream transport for a nats://host:4222 URI.
func New(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*brokertransport.Transport, error) {
	if uri.Scheme != "nats" {
		return nil, fmt.Errorf("%w: nats transport cannot handle scheme %q", idmefv2transport.ErrConfiguration, uri.Scheme)
	}
	if uri.Hostname() == "" {
		return nil, fmt.Errorf("%w: no hostname in %s", idmefv2transport.ErrConfiguration, uri.Redacted())
	}
	if err := brokertransport.Validate(sink, opts); err != nil {
		return nil, err
	}
	acks, err := idmefv2transport.NormalizeAcks(opts.Acks)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := opts.TLSConfig()
	if err != nil {
		return nil, err
	}
	stream := StreamName(opts.Topic)
	if stream == "" {
		return nil, fmt.Errorf("%w: topic %q yields no stream name", idmefv2transport.ErrConfiguration, opts.Topic)
	}

	d := &driver{
		url:      uri.String(),
		subject:  opts.Topic,
		stream:   stream,
		durable:  DurableName(opts.GroupID),
		clientID: opts.ClientID,
		acks:     acks,
		tls:      tlsConfig,
	}
	return brokertransport.New("nats", d, sink, opts)
}

func (d *driver) Open(ctx context.Context, receive bool) error {
	options := []nats.Option{
		nats.Timeout(ConnectTimeout),
	}
	if d.clientID != "" {
		options = append(options, nats.Name(d.clientID))
	}
	if d.tls != nil {
		options = append(options, nats.Secure(d.tls))
	}

	conn, err := nats.Connect(d.url, options...)
	if err != nil {
		return err
	}
	d.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		return err
	}
	d.js = js

	if err := d.ensureStream(ctx); err != nil {
		return err
	}

	if receive {
		sub, err := js.PullSubscribe(d.subject, d.durable,
			nats.BindStream(d.stream),
			nats.AckExplicit(),
			nats.DeliverAll(),
		)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", d.durable, err)
		}
		d.sub = sub
	}
	return nil
}

func (d *driver) ensureStream(ctx context.Context) error {
	_, err := d.js.StreamInfo(d.stream, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream %s: %w", d.stream, err)
	}
	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:     d.stream,
		Subjects: []string{d.subject},
		Storage:  nats.FileStorage,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("stream %s: %w", d.stream, err)
	}
	return nil
}

func (d *driver) Publish(ctx context.Context, value []byte, contentType string) error {
	msg := nats.NewMsg(d.subject)
	msg.Data = value
	msg.Header.Set(contentTypeHeader, contentType)

	if d.acks == idmefv2transport.AcksNone {
		d.publishMu.Lock()
		defer d.publishMu.Unlock()
		if err := d.conn.PublishMsg(msg); err != nil {
			return err
		}
		return d.conn.FlushWithContext(ctx)
	}

	_, err := d.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (d *driver) Fetch(ctx context.Context) (*brokertransport.Delivery, error) {
	msgs, err := d.sub.Fetch(1, nats.Context(ctx))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	return &brokertransport.Delivery{
		Value:       msg.Data,
		ContentType: msg.Header.Get(contentTypeHeader),
		Commit: func(ctx context.Context) error {
			return msg.AckSync(nats.Context(ctx))
		},
	}, nil
}

// Close drops the connection without unsubscribing, which leaves the durable
// consumer and the group's position on the server.
func (d *driver) Close() error {
	if d.conn != nil {
		d.conn.Close()
	}
	return nil
}

// StreamName derives a JetStream stream name from a subject: wildcard and
// separator tokens become underscores, other characters outside the
// alphanumerics, dash and underscore are dropped, and the result is upper case.
func StreamName(subject string) string {
	var b strings.Builder
	for _, r := range subject {
		switch {
		case r == '.' || r == '*' || r == '>':
			b.WriteRune('_')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(strings.Trim(b.String(), "_"))
}

// DurableName makes a group id usable as a durable consumer name, which may not
// contain dots, wildcards or whitespace.
func DurableName(group string) string {
	var b strings.Builder
	for _, r := range group {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
