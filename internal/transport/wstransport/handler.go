package wstransport

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/httptransport"
)

func (t *Transport) router() http.Handler {
	r := chi.NewRouter()
	r.Get(httptransport.ListenPath(t.uri), t.handleUpgrade)
	return r
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = t.opts.ContentType
	}
	if !t.opts.Codec.Supports(contentType) {
		http.Error(w, "unsupported content type "+contentType, http.StatusUnsupportedMediaType)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("Failed to upgrade connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(t.opts.MaxBodySize)

	t.connMu.Lock()
	if t.closed {
		t.connMu.Unlock()
		_ = conn.Close()
		return
	}
	t.conns[conn] = struct{}{}
	t.readers.Add(1)
	t.connMu.Unlock()

	go t.readLoop(conn, contentType, r.RemoteAddr)
}

func (t *Transport) readLoop(conn *websocket.Conn, contentType, remote string) {
	logger := t.logger.With(zap.String("remote", remote))
	logger.Debug("WebSocket peer connected", zap.String("content_type", contentType))

	defer func() {
		t.connMu.Lock()
		delete(t.conns, conn)
		t.connMu.Unlock()
		_ = conn.Close()
		t.readers.Done()
		logger.Debug("WebSocket peer disconnected")
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket connection error", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}

		ack := t.deliver(data, contentType, logger)
		if err := conn.WriteJSON(ack); err != nil {
			logger.Warn("Failed to write ack", zap.Error(err))
			return
		}
	}
}

// deliver decodes one frame and enqueues it, returning the ack for the peer.
func (t *Transport) deliver(data []byte, contentType string, logger *zap.Logger) Ack {
	msg, err := t.opts.Codec.Decode(data, contentType)
	if err != nil {
		logger.Warn("Dropped malformed frame", zap.Int("size", len(data)), zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, idmefv2transport.ErrUnsupportedContentType) {
			status = http.StatusUnsupportedMediaType
		}
		return Ack{Status: status, Error: err.Error()}
	}

	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if !t.receiving {
		return Ack{Status: http.StatusServiceUnavailable, Error: "transport stopped"}
	}
	if !t.sink.Offer(msg) {
		logger.Warn("Sink full, rejecting message", zap.String("id", msg.ID()))
		return Ack{Status: http.StatusServiceUnavailable, Error: "sink full"}
	}

	logger.Debug("Message received", zap.String("id", msg.ID()))
	return Ack{Status: http.StatusNoContent}
}
