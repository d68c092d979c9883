// Package relay forwards IDMEFv2 messages from inbound transports to outbound
// transports through a shared Sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/config"
	"github.com/RobertWHurst/idmefv2transport/transport"
)

// Stats counts what the relay did with received messages. A message counts as
// forwarded once per outbound endpoint that accepted it.
type Stats struct {
	Received  uint64
	Forwarded uint64
	Failed    uint64
}

type endpoint struct {
	name      string
	transport idmefv2transport.Transport
}

// Relay owns the transports built from a config.Config.
type Relay struct {
	logger   *zap.Logger
	workers  int
	sink     *idmefv2transport.Sink
	inbound  []endpoint
	outbound []endpoint

	running atomic.Bool

	received  atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// New builds, but does not start, every endpoint in cfg. Inbound endpoints
// share one Sink; outbound endpoints are send-only.
func New(cfg *config.Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.L()
	}
	r := &Relay{
		logger:  logger,
		workers: max(cfg.Workers, 1),
		sink:    idmefv2transport.NewSink(cfg.SinkCapacity),
	}

	for i, e := range cfg.Inbound {
		ep, err := r.endpoint(e, r.sink)
		if err != nil {
			return nil, fmt.Errorf("inbound[%d]: %w", i, err)
		}
		r.inbound = append(r.inbound, ep)
	}
	for i, e := range cfg.Outbound {
		ep, err := r.endpoint(e, nil)
		if err != nil {
			return nil, fmt.Errorf("outbound[%d]: %w", i, err)
		}
		r.outbound = append(r.outbound, ep)
	}
	return r, nil
}

func (r *Relay) endpoint(e config.EndpointConfig, sink *idmefv2transport.Sink) (endpoint, error) {
	name := e.URI
	if u, err := url.Parse(e.URI); err == nil {
		name = u.Redacted()
	}

	opts := e.Options
	if opts.Logger == nil {
		opts.Logger = r.logger.With(zap.String("endpoint", name))
	}
	t, err := transport.Get(e.URI, sink, opts)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{name: name, transport: t}, nil
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		Forwarded: r.forwarded.Load(),
		Failed:    r.failed.Load(),
	}
}

// Run starts the outbound endpoints, then the inbound ones, and forwards
// messages until ctx is done. It then stops the inbound endpoints, forwards
// whatever they already queued and stops the outbound endpoints. A Relay can
// be run once.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("relay already ran")
	}

	if err := start(ctx, r.outbound); err != nil {
		return err
	}
	if err := start(ctx, r.inbound); err != nil {
		return errors.Join(err, stop(r.outbound))
	}
	r.logger.Info("relay started",
		zap.Int("inbound", len(r.inbound)),
		zap.Int("outbound", len(r.outbound)),
		zap.Int("workers", r.workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			return r.work(gctx)
		})
	}
	workErr := g.Wait()

	inErr := stop(r.inbound)
	r.drain(context.WithoutCancel(ctx))
	outErr := stop(r.outbound)

	r.logger.Info("relay stopped",
		zap.Uint64("received", r.received.Load()),
		zap.Uint64("forwarded", r.forwarded.Load()),
		zap.Uint64("failed", r.failed.Load()),
	)
	return errors.Join(workErr, inErr, outErr)
}

func (r *Relay) work(ctx context.Context) error {
	sendCtx := context.WithoutCancel(ctx)
	for {
		msg, err := r.sink.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.forward(sendCtx, msg)
	}
}

func (r *Relay) drain(ctx context.Context) {
	for {
		msg, ok := r.sink.TryGet()
		if !ok {
			return
		}
		r.forward(ctx, msg)
	}
}

// forward sends msg to every outbound endpoint. Failed sends are logged and
// not retried.
func (r *Relay) forward(ctx context.Context, msg idmefv2transport.Message) {
	r.received.Add(1)
	for _, ep := range r.outbound {
		if err := ep.transport.SendMessage(ctx, msg); err != nil {
			r.failed.Add(1)
			r.logger.Warn("failed to forward message",
				zap.String("endpoint", ep.name),
				zap.String("id", msg.ID()),
				zap.Error(err),
			)
			continue
		}
		r.forwarded.Add(1)
	}
}

// start starts endpoints in order, stopping those already started when one
// fails.
func start(ctx context.Context, endpoints []endpoint) error {
	for i, ep := range endpoints {
		if err := ep.transport.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("start %s: %w", ep.name, err), stop(endpoints[:i]))
		}
	}
	return nil
}

func stop(endpoints []endpoint) error {
	var errs []error
	for _, ep := range endpoints {
		if err := ep.transport.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", ep.name, err))
		}
	}
	return errors.Join(errs...)
}
