// Package httptransport delivers IDMEFv2 messages with HTTP POST requests and
// receives them through an embedded HTTP listener.
package httptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/lifecycle"
)

// ShutdownTimeout bounds how long Stop waits for in-flight requests before
// closing their connections.
const ShutdownTimeout = 5 * time.Second

// Transport implements idmefv2transport.Transport over HTTP.
type Transport struct {
	uri    *url.URL
	sink   *idmefv2transport.Sink
	opts   idmefv2transport.Options
	logger *zap.Logger
	client *http.Client

	// serverTLS is set for https listeners.
	serverTLS *tls.Config

	lc       lifecycle.Lifecycle
	server   *http.Server
	listener net.Listener
	served   chan struct{}
	serveErr error

	// receiving is cleared by Stop; handlers enqueue only while it is set.
	recvMu    sync.RWMutex
	receiving bool
}

var _ idmefv2transport.Transport = &Transport{}

// New creates an HTTP transport for uri. When sink is not nil, Start binds a
// listener on the URI's host and port and delivers received messages to sink.
// opts must carry a Codec.
func New(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*Transport, error) {
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return nil, fmt.Errorf("%w: http transport cannot handle scheme %q", idmefv2transport.ErrConfiguration, uri.Scheme)
	}
	if uri.Hostname() == "" {
		return nil, fmt.Errorf("%w: no hostname in %s", idmefv2transport.ErrConfiguration, uri)
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("%w: no codec", idmefv2transport.ErrConfiguration)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	tlsConfig, err := opts.TLSConfig()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		uri:    uri,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With(zap.String("transport", "http"), zap.String("uri", uri.Redacted())),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if sink != nil && uri.Scheme == "https" {
		if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
			return nil, fmt.Errorf("%w: an https listener requires cert_file and key_file", idmefv2transport.ErrConfiguration)
		}
		t.serverTLS = tlsConfig.Clone()
		if t.serverTLS.ClientCAs != nil {
			t.serverTLS.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return t, nil
}

// Start binds the listener when the transport has a sink. It returns once the
// listener accepts connections.
func (t *Transport) Start(ctx context.Context) error {
	return t.lc.Start(func() error {
		if t.sink == nil {
			t.logger.Info("HTTP transport started", zap.Bool("receive", false))
			return nil
		}

		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", ListenAddr(t.uri))
		if err != nil {
			return fmt.Errorf("%w: %w", idmefv2transport.ErrTransportInit, err)
		}
		if t.serverTLS != nil {
			ln = tls.NewListener(ln, t.serverTLS)
		}

		t.recvMu.Lock()
		t.receiving = true
		t.recvMu.Unlock()

		t.listener = ln
		t.server = &http.Server{
			Handler:           t.router(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(t.logger),
		}
		t.served = make(chan struct{})
		go t.serve(t.server, ln)

		t.logger.Info("HTTP transport started",
			zap.Bool("receive", true),
			zap.String("addr", ln.Addr().String()),
		)
		return nil
	})
}

func (t *Transport) serve(server *http.Server, ln net.Listener) {
	defer close(t.served)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.logger.Error("HTTP listener failed", zap.Error(err))
		t.serveErr = err
	}
}

// Stop shuts the listener down, waiting up to ShutdownTimeout for in-flight
// requests, and closes idle client connections.
func (t *Transport) Stop() error {
	return t.lc.Stop(func() error {
		defer t.client.CloseIdleConnections()

		if t.server == nil {
			t.logger.Info("HTTP transport stopped")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			t.logger.Warn("HTTP listener did not drain in time", zap.Error(err))
			_ = t.server.Close()
		}
		<-t.served

		t.recvMu.Lock()
		t.receiving = false
		t.recvMu.Unlock()

		t.logger.Info("HTTP transport stopped")
		if t.serveErr != nil {
			return fmt.Errorf("%w: listener: %w", idmefv2transport.ErrDelivery, t.serveErr)
		}
		return nil
	})
}

// SendMessage POSTs the encoded message to the transport's URI. Any response
// status outside 2xx is a delivery error.
func (t *Transport) SendMessage(ctx context.Context, msg idmefv2transport.Message) error {
	return t.lc.Do(func() error {
		data, err := t.opts.Codec.Encode(msg, t.opts.ContentType)
		if err != nil {
			return err
		}

		ctx, cancel := t.opts.SendContext(ctx)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uri.String(), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: %w", idmefv2transport.ErrDelivery, err)
		}
		req.Header.Set("Content-Type", t.opts.ContentType)

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", idmefv2transport.ErrDelivery, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%w: %s: %s", idmefv2transport.ErrDelivery, resp.Status, strings.TrimSpace(string(body)))
		}
		_, _ = io.Copy(io.Discard, resp.Body)

		t.logger.Debug("Message sent", zap.String("id", msg.ID()), zap.Int("size", len(data)))
		return nil
	})
}

// ListenAddr returns the host:port a listener for uri binds, using the
// scheme's default port when the URI has none.
func ListenAddr(uri *url.URL) string {
	port := uri.Port()
	if port == "" {
		switch uri.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(uri.Hostname(), port)
}

// ListenPath returns the request path served for uri, "/" when empty.
func ListenPath(uri *url.URL) string {
	if uri.Path == "" {
		return "/"
	}
	return uri.Path
}
