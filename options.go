package idmefv2transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSendTimeout bounds a single SendMessage when the caller's context
	// carries no deadline.
	DefaultSendTimeout = 30 * time.Second

	// DefaultPollInterval bounds each blocking wait of a broker receive loop.
	DefaultPollInterval = time.Second

	// MinPollInterval is the smallest accepted poll interval.
	MinPollInterval = 10 * time.Millisecond

	// DefaultMaxBodySize is the inbound HTTP body size, in bytes, from which
	// requests are rejected.
	DefaultMaxBodySize = 640 * 1024

	// DefaultPrefetch is the number of unacknowledged broker deliveries a
	// consumer may hold.
	DefaultPrefetch = 16
)

// Acknowledgement levels accepted in Options.Acks.
const (
	AcksNone   = "none"
	AcksLeader = "leader"
	AcksAll    = "all"
)

// Options configures a transport. The URI given to the factory selects the
// medium; Options carries everything else. A transport copies its Options at
// construction and never changes them afterwards.
type Options struct {
	// ContentType selects the encoding of outbound messages and the fallback
	// for inbound messages that do not carry one. Required.
	ContentType string `mapstructure:"content_type"`

	// Topic is the broker topic, subject, queue or stream. Required for
	// broker media.
	Topic string `mapstructure:"topic"`

	// GroupID is the consumer group used by the broker receive path.
	// Required for broker media constructed with a Sink.
	GroupID string `mapstructure:"group_id"`

	// ClientID identifies this client to the broker.
	ClientID string `mapstructure:"client_id"`

	// Acks is the broker acknowledgement level awaited by SendMessage:
	// "none" (or "0"), "leader" (or "1") or "all" (or "-1"). Default is "all".
	Acks string `mapstructure:"acks"`

	// PollInterval bounds each blocking fetch of the broker receive loop.
	// Default is DefaultPollInterval.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// SendTimeout bounds SendMessage when its context has no deadline.
	// Default is DefaultSendTimeout.
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	// MaxBodySize bounds inbound HTTP request bodies: a body of MaxBodySize
	// bytes or more is rejected. Default is DefaultMaxBodySize.
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Prefetch is the number of unacknowledged deliveries an AMQP consumer
	// may hold. Default is DefaultPrefetch.
	Prefetch int `mapstructure:"prefetch"`

	// CAFile, CertFile and KeyFile hold PEM encoded TLS material. CAFile
	// verifies peers; CertFile and KeyFile identify this endpoint.
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// Codec encodes and decodes messages. The factory supplies the default
	// registry when nil.
	Codec Codec `mapstructure:"-"`

	// Logger receives operational logs. Default is zap.L().
	Logger *zap.Logger `mapstructure:"-"`
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.Acks == "" {
		o.Acks = AcksAll
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// Validate checks the options every medium needs.
func (o Options) Validate() error {
	if strings.TrimSpace(o.ContentType) == "" {
		return fmt.Errorf("%w: content type is required", ErrConfiguration)
	}
	if o.Codec != nil && !o.Codec.Supports(o.ContentType) {
		return fmt.Errorf("%w: %w: %s", ErrConfiguration, ErrUnsupportedContentType, o.ContentType)
	}
	if o.PollInterval != 0 && o.PollInterval < MinPollInterval {
		return fmt.Errorf("%w: poll interval %s is below %s", ErrConfiguration, o.PollInterval, MinPollInterval)
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return fmt.Errorf("%w: cert_file and key_file must be set together", ErrConfiguration)
	}
	if _, err := NormalizeAcks(o.Acks); err != nil {
		return err
	}
	return nil
}

// NormalizeAcks maps the accepted spellings of an acknowledgement level to
// AcksNone, AcksLeader or AcksAll. An empty level means AcksAll.
func NormalizeAcks(acks string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(acks)) {
	case "", AcksAll, "-1":
		return AcksAll, nil
	case AcksLeader, "1":
		return AcksLeader, nil
	case AcksNone, "0":
		return AcksNone, nil
	default:
		return "", fmt.Errorf("%w: unknown acks level %q", ErrConfiguration, acks)
	}
}

// SendContext derives the context for one send: ctx itself when it carries a
// deadline, otherwise ctx bounded by SendTimeout.
func (o Options) SendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.SendTimeout)
}
