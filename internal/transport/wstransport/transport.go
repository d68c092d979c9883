// Package wstransport carries IDMEFv2 messages over WebSocket connections,
// one binary frame per message, each answered by a JSON ack frame.
package wstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/lifecycle"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/httptransport"
)

const (
	HandshakeTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

// Ack is the frame a receiver writes back for every message frame. Status uses
// the HTTP status vocabulary.
type Ack struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Transport struct {
	uri    *url.URL
	sink   *idmefv2transport.Sink
	opts   idmefv2transport.Options
	logger *zap.Logger
	dialer *websocket.Dialer

	serverTLS *tls.Config
	upgrader  websocket.Upgrader

	lc       lifecycle.Lifecycle
	server   *http.Server
	listener net.Listener
	served   chan struct{}
	serveErr error

	recvMu    sync.RWMutex
	receiving bool

	connMu  sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closed  bool
	readers sync.WaitGroup

	// sendMu serialises the outbound connection.
	sendMu sync.Mutex
	conn   *websocket.Conn
}

var _ idmefv2transport.Transport = &Transport{}

// New creates a WebSocket transport for uri. When sink is not nil, Start binds
// a listener on the URI's host and port that accepts WebSocket connections at
// the URI path.
func New(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (*Transport, error) {
	if uri.Scheme != "ws" && uri.Scheme != "wss" {
		return nil, fmt.Errorf("%w: websocket transport cannot handle scheme %q", idmefv2transport.ErrConfiguration, uri.Scheme)
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
		logger: opts.Logger.With(zap.String("transport", "websocket"), zap.String("uri", uri.Redacted())),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: HandshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}

	if sink != nil && uri.Scheme == "wss" {
		if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
			return nil, fmt.Errorf("%w: a wss listener requires cert_file and key_file", idmefv2transport.ErrConfiguration)
		}
		t.serverTLS = tlsConfig.Clone()
		if t.serverTLS.ClientCAs != nil {
			t.serverTLS.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return t, nil
}

// Start binds the listener when the transport has a sink. The outbound
// connection is dialled by the first SendMessage.
func (t *Transport) Start(ctx context.Context) error {
	return t.lc.Start(func() error {
		if t.sink == nil {
			t.logger.Info("WebSocket transport started", zap.Bool("receive", false))
			return nil
		}

		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", httptransport.ListenAddr(t.uri))
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
			ReadHeaderTimeout: HandshakeTimeout,
			ErrorLog:          zap.NewStdLog(t.logger),
		}
		t.served = make(chan struct{})
		go t.serve(t.server, ln)

		t.logger.Info("WebSocket transport started",
			zap.Bool("receive", true),
			zap.String("addr", ln.Addr().String()),
		)
		return nil
	})
}

func (t *Transport) serve(server *http.Server, ln net.Listener) {
	defer close(t.served)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.logger.Error("WebSocket listener failed", zap.Error(err))
		t.serveErr = err
	}
}

// Stop closes the listener and every accepted connection, waits for their
// readers to exit, then closes the outbound connection.
func (t *Transport) Stop() error {
	return t.lc.Stop(func() error {
		defer t.closeOutbound()

		if t.server == nil {
			t.logger.Info("WebSocket transport stopped")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			_ = t.server.Close()
		}
		<-t.served

		t.recvMu.Lock()
		t.receiving = false
		t.recvMu.Unlock()

		t.connMu.Lock()
		t.closed = true
		for conn := range t.conns {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		t.connMu.Unlock()
		t.readers.Wait()

		t.logger.Info("WebSocket transport stopped")
		if t.serveErr != nil {
			return fmt.Errorf("%w: listener: %w", idmefv2transport.ErrDelivery, t.serveErr)
		}
		return nil
	})
}

func (t *Transport) closeOutbound() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.conn == nil {
		return
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = t.conn.Close()
	t.conn = nil
}

// SendMessage writes the encoded message as one binary frame and waits for the
// peer's ack frame.
func (t *Transport) SendMessage(ctx context.Context, msg idmefv2transport.Message) error {
	return t.lc.Do(func() error {
		data, err := t.opts.Codec.Encode(msg, t.opts.ContentType)
		if err != nil {
			return err
		}

		ctx, cancel := t.opts.SendContext(ctx)
		defer cancel()

		t.sendMu.Lock()
		defer t.sendMu.Unlock()

		if t.conn == nil {
			if err := t.dial(ctx); err != nil {
				return err
			}
		}

		ack, err := t.exchange(ctx, data)
		if err != nil {
			_ = t.conn.Close()
			t.conn = nil
			return fmt.Errorf("%w: %w", idmefv2transport.ErrDelivery, err)
		}
		if ack.Status < 200 || ack.Status > 299 {
			return fmt.Errorf("%w: peer answered %d %s: %s", idmefv2transport.ErrDelivery,
				ack.Status, http.StatusText(ack.Status), ack.Error)
		}

		t.logger.Debug("Message sent", zap.String("id", msg.ID()), zap.Int("size", len(data)))
		return nil
	})
}

func (t *Transport) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Content-Type", t.opts.ContentType)

	conn, resp, err := t.dialer.DialContext(ctx, t.uri.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: handshake: %s: %w", idmefv2transport.ErrDelivery, resp.Status, err)
		}
		return fmt.Errorf("%w: %w", idmefv2transport.ErrDelivery, err)
	}
	t.conn = conn
	t.logger.Debug("WebSocket connection established")
	return nil
}

func (t *Transport) exchange(ctx context.Context, data []byte) (Ack, error) {
	var ack Ack
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		_ = t.conn.SetReadDeadline(deadline)
	}

	release := interruptRead(ctx, t.conn)
	defer release()

	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return ack, err
	}
	if err := t.conn.ReadJSON(&ack); err != nil {
		if ctx.Err() != nil {
			return ack, ctx.Err()
		}
		return ack, err
	}
	return ack, nil
}

// interruptRead unblocks a pending read on conn when ctx is done. Once release
// returns, a later cancellation of ctx leaves conn untouched, so it cannot cut
// short the read of a following exchange.
func interruptRead(ctx context.Context, conn *websocket.Conn) (release func()) {
	var mu sync.Mutex
	released := false
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !released {
			_ = conn.SetReadDeadline(time.Now())
		}
	})
	return func() {
		stop()
		mu.Lock()
		released = true
		mu.Unlock()
	}
}
