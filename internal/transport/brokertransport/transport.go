// Package brokertransport implements the send path and the receive loop shared
// by every message broker medium. A Driver adapts one broker client library.
package brokertransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/lifecycle"
)

// CommitTimeout bounds the commit of a delivery. Commits run on a context
// detached from Stop so an enqueued record is not redelivered needlessly.
const CommitTimeout = 5 * time.Second

// Delivery is one record fetched from a broker.
type Delivery struct {
	Value []byte

	// ContentType is the record's content type header, empty when the record
	// carries none.
	ContentType string

	// Commit acknowledges the record to the broker. It may be nil for brokers
	// without acknowledgements.
	Commit func(ctx context.Context) error
}

// Driver adapts a broker client library to the transport.
type Driver interface {
	// Open connects to the broker and prepares the publisher, and the consumer
	// when receive is true. It should verify the broker is reachable.
	Open(ctx context.Context, receive bool) error

	// Publish sends one record and waits for the configured acknowledgement
	// level.
	Publish(ctx context.Context, value []byte, contentType string) error

	// Fetch blocks until a record is available or ctx is done. A nil Delivery
	// with a nil error means no record arrived in time.
	Fetch(ctx context.Context) (*Delivery, error)

	Close() error
}

// Transport implements idmefv2transport.Transport over a Driver.
type Transport struct {
	driver Driver
	sink   *idmefv2transport.Sink
	opts   idmefv2transport.Options
	logger *zap.Logger

	lc      lifecycle.Lifecycle
	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error
}

var _ idmefv2transport.Transport = &Transport{}

// Validate checks the options every broker medium needs: a topic, and a
// consumer group when the transport receives.
func Validate(sink *idmefv2transport.Sink, opts idmefv2transport.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Codec == nil {
		return fmt.Errorf("%w: no codec", idmefv2transport.ErrConfiguration)
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return fmt.Errorf("%w: topic is required", idmefv2transport.ErrConfiguration)
	}
	if sink != nil && strings.TrimSpace(opts.GroupID) == "" {
		return fmt.Errorf("%w: group_id is required to receive", idmefv2transport.ErrConfiguration)
	}
	return nil
}

// New wraps driver in a transport. medium names the broker in logs.
func New(medium string, driver Driver, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*Transport, error) {
	if err := Validate(sink, opts); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	return &Transport{
		driver: driver,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With(zap.String("transport", medium), zap.String("topic", opts.Topic)),
	}, nil
}

// Start opens the driver and, when the transport has a sink, starts the
// receive loop.
func (t *Transport) Start(ctx context.Context) error {
	return t.lc.Start(func() error {
		receive := t.sink != nil
		if err := t.driver.Open(ctx, receive); err != nil {
			_ = t.driver.Close()
			return fmt.Errorf("%w: %w", idmefv2transport.ErrTransportInit, err)
		}

		if receive {
			loopCtx, cancel := context.WithCancel(context.Background())
			t.cancel = cancel
			t.done = make(chan struct{})
			go t.receive(loopCtx)
		}

		t.logger.Info("Broker transport started", zap.Bool("receive", receive))
		return nil
	})
}

// Stop ends the receive loop, waits for it, and closes the driver. A loop that
// died of a broker error has that error returned here.
func (t *Transport) Stop() error {
	return t.lc.Stop(func() error {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		closeErr := t.driver.Close()

		t.logger.Info("Broker transport stopped")
		if t.loopErr != nil {
			return fmt.Errorf("%w: receive: %w", idmefv2transport.ErrDelivery, t.loopErr)
		}
		if closeErr != nil {
			return fmt.Errorf("%w: close: %w", idmefv2transport.ErrDelivery, closeErr)
		}
		return nil
	})
}

// SendMessage publishes the encoded message and waits for the broker's
// acknowledgement.
func (t *Transport) SendMessage(ctx context.Context, msg idmefv2transport.Message) error {
	return t.lc.Do(func() error {
		data, err := t.opts.Codec.Encode(msg, t.opts.ContentType)
		if err != nil {
			return err
		}

		ctx, cancel := t.opts.SendContext(ctx)
		defer cancel()

		if err := t.driver.Publish(ctx, data, t.opts.ContentType); err != nil {
			if errors.Is(err, idmefv2transport.ErrDelivery) {
				return err
			}
			return fmt.Errorf("%w: %w", idmefv2transport.ErrDelivery, err)
		}

		t.logger.Debug("Message sent", zap.String("id", msg.ID()), zap.Int("size", len(data)))
		return nil
	})
}

func (t *Transport) receive(ctx context.Context) {
	defer close(t.done)

	for ctx.Err() == nil {
		d, err := t.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("Receive loop failed", zap.Error(err))
			t.loopErr = err
			return
		}
		if d != nil {
			t.handle(ctx, d)
		}
	}
}

// fetch waits at most one poll interval for a record. An idle interval yields
// neither a delivery nor an error.
func (t *Transport) fetch(ctx context.Context) (*Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, t.opts.PollInterval)
	defer cancel()

	d, err := t.driver.Fetch(fetchCtx)
	if err != nil && fetchCtx.Err() != nil && ctx.Err() == nil {
		return nil, nil
	}
	return d, err
}

func (t *Transport) handle(ctx context.Context, d *Delivery) {
	contentType := d.ContentType
	if contentType == "" {
		contentType = t.opts.ContentType
	}

	msg, err := t.opts.Codec.Decode(d.Value, contentType)
	if err != nil {
		t.logger.Warn("Dropped malformed record",
			zap.String("content_type", contentType),
			zap.Int("size", len(d.Value)),
			zap.Error(err),
		)
		t.commit(d)
		return
	}

	// Cancelled before the enqueue: leave the record uncommitted so the broker
	// redelivers it.
	if err := t.sink.Put(ctx, msg); err != nil {
		return
	}
	t.commit(d)

	t.logger.Debug("Message received", zap.String("id", msg.ID()))
}

func (t *Transport) commit(d *Delivery) {
	if d.Commit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), CommitTimeout)
	defer cancel()
	if err := d.Commit(ctx); err != nil {
		t.logger.Warn("Failed to commit record", zap.Error(err))
	}
}
