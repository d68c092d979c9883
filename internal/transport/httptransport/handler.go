package httptransport

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
)

func (t *Transport) router() http.Handler {
	r := chi.NewRouter()
	r.Post(ListenPath(t.uri), t.handleMessages)
	return r
}

// handleMessages decodes every message carried by the request and enqueues
// them all, or none of them.
func (t *Transport) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		http.Error(w, "content length required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength >= t.opts.MaxBodySize {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body := http.MaxBytesReader(w, r.Body, t.opts.MaxBodySize-1)

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = t.opts.ContentType
	}

	var msgs []idmefv2transport.Message
	var status int
	var err error
	if mediaType, params, perr := mime.ParseMediaType(contentType); perr == nil && strings.HasPrefix(mediaType, "multipart/") {
		msgs, status, err = t.decodeMultipart(body, params["boundary"])
	} else {
		var msg idmefv2transport.Message
		msg, status, err = t.decodePart(body, contentType)
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	if err != nil {
		t.logger.Warn("Rejected inbound request",
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", status),
			zap.Error(err),
		)
		http.Error(w, err.Error(), status)
		return
	}

	if len(msgs) == 0 {
		http.Error(w, "no message in request", http.StatusUnprocessableEntity)
		return
	}

	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if !t.receiving {
		http.Error(w, "transport stopped", http.StatusServiceUnavailable)
		return
	}
	if !t.sink.Offer(msgs...) {
		t.logger.Warn("Sink full, rejecting messages", zap.Int("count", len(msgs)))
		http.Error(w, "sink full", http.StatusServiceUnavailable)
		return
	}

	t.logger.Debug("Messages received", zap.Int("count", len(msgs)), zap.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) decodeMultipart(body io.Reader, boundary string) ([]idmefv2transport.Message, int, error) {
	if boundary == "" {
		return nil, http.StatusBadRequest, errors.New("multipart body without boundary")
	}

	var msgs []idmefv2transport.Message
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return msgs, http.StatusOK, nil
		}
		if err != nil {
			return nil, readStatus(err), err
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = t.opts.ContentType
		}
		msg, status, err := t.decodePart(part, contentType)
		part.Close()
		if err != nil {
			return nil, status, err
		}
		msgs = append(msgs, msg)
	}
}

func (t *Transport) decodePart(r io.Reader, contentType string) (idmefv2transport.Message, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, readStatus(err), err
	}
	msg, err := t.opts.Codec.Decode(data, contentType)
	if errors.Is(err, idmefv2transport.ErrUnsupportedContentType) {
		return nil, http.StatusUnsupportedMediaType, err
	}
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	return msg, http.StatusOK, nil
}

func readStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
