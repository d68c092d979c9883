// Package redistransport is the Redis Streams driver of the broker transport.
// The topic is the stream key; receivers read through a consumer group.
package redistransport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/brokertransport"
)

// Stream entry fields.
const (
	ContentTypeField = "content-type"
	PayloadField     = "payload"
)

// ErrMalformedEntry is returned for stream entries without a payload field.
var ErrMalformedEntry = errors.New("stream entry has no payload")

// ClaimMinIdle is how long an entry must have been pending on another consumer
// of the group before this consumer claims it. Entries fetched by an instance
// that died before acknowledging them are redelivered this way.
const ClaimMinIdle = 30 * time.Second

type driver struct {
	options  *redis.Options
	stream   string
	group    string
	consumer string

	client *redis.Client

	// cursor walks the consumer's pending entries before new ones are read;
	// it becomes ">" once they are exhausted.
	cursor string

	// claimMinIdle, claimStart and nextClaim drive the sweep that takes over
	// entries left pending on other consumers.
	claimMinIdle time.Duration
	claimStart   string
	nextClaim    time.Time
}

// New creates a Redis Streams transport for a redis://host:6379/0 or rediss://
// URI.
func New(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*brokertransport.Transport, error) {
	d, err := newDriver(uri, sink, opts)
	if err != nil {
		return nil, err
	}
	return brokertransport.New("redis", d, sink, opts)
}

func newDriver(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*driver, error) {
	if uri.Scheme != "redis" && uri.Scheme != "rediss" {
		return nil, fmt.Errorf("%w: redis transport cannot handle scheme %q", idmefv2transport.ErrConfiguration, uri.Scheme)
	}
	if err := brokertransport.Validate(sink, opts); err != nil {
		return nil, err
	}
	options, err := redis.ParseURL(uri.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", idmefv2transport.ErrConfiguration, err)
	}
	tlsConfig, err := opts.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		if options.TLSConfig != nil {
			tlsConfig.ServerName = options.TLSConfig.ServerName
		}
		options.TLSConfig = tlsConfig
	}
	opts = opts.WithDefaults()

	consumer := opts.ClientID
	if consumer == "" {
		consumer = uuid.NewString()
	}
	options.ClientName = consumer

	return &driver{
		options:      options,
		stream:       opts.Topic,
		group:        opts.GroupID,
		consumer:     consumer,
		claimMinIdle: ClaimMinIdle,
	}, nil
}

func (d *driver) Open(ctx context.Context, receive bool) error {
	d.client = redis.NewClient(d.options)
	if err := d.client.Ping(ctx).Err(); err != nil {
		return err
	}

	if receive {
		err := d.client.XGroupCreateMkStream(ctx, d.stream, d.group, "0").Err()
		if err != nil && !IsBusyGroup(err) {
			return fmt.Errorf("consumer group %s: %w", d.group, err)
		}
		d.cursor = "0"
		d.claimStart = "0-0"
		d.nextClaim = time.Time{}
	}
	return nil
}

// IsBusyGroup reports whether err says the consumer group already exists.
func IsBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (d *driver) Publish(ctx context.Context, value []byte, contentType string) error {
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{
			ContentTypeField: contentType,
			PayloadField:     value,
		},
	}).Err()
}

func (d *driver) Fetch(ctx context.Context) (*brokertransport.Delivery, error) {
	if d.cursor == ">" && !time.Now().Before(d.nextClaim) {
		entry, err := d.claim(ctx)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return d.delivery(*entry), nil
		}
	}

	args := &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: d.consumer,
		Streams:  []string{d.stream, d.cursor},
		Count:    1,
		Block:    -1,
	}
	if d.cursor == ">" {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(idmefv2transport.DefaultPollInterval)
		}
		args.Block = max(time.Until(deadline), time.Millisecond)
	}

	streams, err := d.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []redis.XMessage
	for _, s := range streams {
		entries = append(entries, s.Messages...)
	}
	if len(entries) == 0 {
		if d.cursor != ">" {
			d.cursor = ">"
		}
		return nil, nil
	}

	entry := entries[0]
	if d.cursor != ">" {
		d.cursor = entry.ID
	}

	return d.delivery(entry), nil
}

// claim takes over one entry that has been pending on another consumer for at
// least claimMinIdle. A sweep walks the pending list one entry per Fetch; once
// it reaches the end, the next one starts claimMinIdle later.
func (d *driver) claim(ctx context.Context) (*redis.XMessage, error) {
	entries, next, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   d.stream,
		Group:    d.group,
		Consumer: d.consumer,
		MinIdle:  d.claimMinIdle,
		Start:    d.claimStart,
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}

	d.claimStart = next
	if next == "" || next == "0-0" {
		d.claimStart = "0-0"
		d.nextClaim = time.Now().Add(d.claimMinIdle)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// delivery converts entry and attaches its acknowledgement. A malformed entry
// becomes an empty record, which the core drops and acknowledges so it leaves
// the pending list.
func (d *driver) delivery(entry redis.XMessage) *brokertransport.Delivery {
	delivery, err := DeliveryFromEntry(entry)
	if err != nil {
		delivery = &brokertransport.Delivery{}
	}
	id := entry.ID
	delivery.Commit = func(ctx context.Context) error {
		return d.client.XAck(ctx, d.stream, d.group, id).Err()
	}
	return delivery
}

// DeliveryFromEntry converts a stream entry into a delivery without a commit.
func DeliveryFromEntry(entry redis.XMessage) (*brokertransport.Delivery, error) {
	payload, ok := entry.Values[PayloadField]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEntry, entry.ID)
	}

	d := &brokertransport.Delivery{}
	switch v := payload.(type) {
	case string:
		d.Value = []byte(v)
	case []byte:
		d.Value = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedEntry, entry.ID)
	}
	if ct, ok := entry.Values[ContentTypeField].(string); ok {
		d.ContentType = ct
	}
	return d, nil
}

func (d *driver) Close() error {
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
