// Package kafkatransport is the Kafka driver of the broker transport, built
// on segmentio/kafka-go.
package kafkatransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/brokertransport"
)

const (
	DefaultPort = "9092"
	DialTimeout = 10 * time.Second

	contentTypeHeader = "Content-Type"
)

type driver struct {
	brokers  []string
	topic    string
	groupID  string
	acks     kafka.RequiredAcks
	maxWait  time.Duration
	dialer   *kafka.Dialer
	tls      *tls.Config
	clientID string
	logger   *zap.Logger

	writer *kafka.Writer
	reader *kafka.Reader
}

// New creates a Kafka transport for a kafka://broker1:9092,broker2:9092 URI.
func New(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*brokertransport.Transport, error) {
	if err := brokertransport.Validate(sink, opts); err != nil {
		return nil, err
	}
	brokers, err := Brokers(uri)
	if err != nil {
		return nil, err
	}
	acks, err := RequiredAcks(opts.Acks)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := opts.TLSConfig()
	if err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	d := &driver{
		brokers:  brokers,
		topic:    opts.Topic,
		groupID:  opts.GroupID,
		acks:     acks,
		maxWait:  opts.PollInterval,
		tls:      tlsConfig,
		clientID: opts.ClientID,
		logger:   opts.Logger.With(zap.String("transport", "kafka")),
		dialer: &kafka.Dialer{
			ClientID: opts.ClientID,
			Timeout:  DialTimeout,
			TLS:      tlsConfig,
		},
	}
	return brokertransport.New("kafka", d, sink, opts)
}

// Brokers returns the broker addresses listed in the URI host, adding the
// default port where one is missing.
func Brokers(uri *url.URL) ([]string, error) {
	if uri.Scheme != "kafka" {
		return nil, fmt.Errorf("%w: kafka transport cannot handle scheme %q", idmefv2transport.ErrConfiguration, uri.Scheme)
	}
	var brokers []string
	for _, addr := range strings.Split(uri.Host, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
		}
		brokers = append(brokers, addr)
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers in %s", idmefv2transport.ErrConfiguration, uri.Redacted())
	}
	return brokers, nil
}

// RequiredAcks maps an acknowledgement level to the producer setting.
func RequiredAcks(acks string) (kafka.RequiredAcks, error) {
	level, err := idmefv2transport.NormalizeAcks(acks)
	if err != nil {
		return 0, err
	}
	switch level {
	case idmefv2transport.AcksNone:
		return kafka.RequireNone, nil
	case idmefv2transport.AcksLeader:
		return kafka.RequireOne, nil
	default:
		return kafka.RequireAll, nil
	}
}

func (d *driver) Open(ctx context.Context, receive bool) error {
	if err := d.ping(ctx); err != nil {
		return err
	}

	d.writer = &kafka.Writer{
		Addr:                   kafka.TCP(d.brokers...),
		Topic:                  d.topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           d.acks,
		BatchSize:              1,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID: d.clientID,
			TLS:      d.tls,
		},
	}

	if receive {
		d.reader = kafka.NewReader(d.readerConfig())
	}
	return nil
}

// readerConfig configures the consumer group reader. The reader reconnects to
// the brokers on its own and never reports a lost connection to FetchMessage,
// so its errors are logged here instead of ending the receive loop.
func (d *driver) readerConfig() kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     d.brokers,
		GroupID:     d.groupID,
		Topic:       d.topic,
		Dialer:      d.dialer,
		StartOffset: kafka.FirstOffset,
		MaxWait:     d.maxWait,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			d.logger.Warn("Kafka reader error", zap.String("error", fmt.Sprintf(msg, args...)))
		}),
	}
}

// ping dials the brokers in order and succeeds on the first that answers.
func (d *driver) ping(ctx context.Context) error {
	var errs []error
	for _, broker := range d.brokers {
		conn, err := d.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no broker reachable: %w", errors.Join(errs...))
}

func (d *driver) Publish(ctx context.Context, value []byte, contentType string) error {
	return d.writer.WriteMessages(ctx, kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: contentTypeHeader, Value: []byte(contentType)},
		},
	})
}

func (d *driver) Fetch(ctx context.Context) (*brokertransport.Delivery, error) {
	m, err := d.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &brokertransport.Delivery{
		Value:       m.Value,
		ContentType: HeaderValue(m.Headers, contentTypeHeader),
		Commit: func(ctx context.Context) error {
			return d.reader.CommitMessages(ctx, m)
		},
	}, nil
}

func (d *driver) Close() error {
	var errs []error
	if d.reader != nil {
		errs = append(errs, d.reader.Close())
	}
	if d.writer != nil {
		errs = append(errs, d.writer.Close())
	}
	return errors.Join(errs...)
}

// HeaderValue returns the value of the last header named key, matched without
// regard to case.
func HeaderValue(headers []kafka.Header, key string) string {
	value := ""
	for _, h := range headers {
		if strings.EqualFold(h.Key, key) {
			value = string(h.Value)
		}
	}
	return value
}
