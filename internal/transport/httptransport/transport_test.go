package httptransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/codec"
)

func testMessage() idmefv2transport.Message {
	return idmefv2transport.Message{
		"Version":    "2.D.V04",
		"ID":         "09db946e-673e-49af-b4b2-a8cd9da58de6",
		"CreateTime": "2021-11-22T14:42:51.881033Z",
		"Analyzer":   map[string]any{"IP": "127.0.0.1", "Name": "foobar"},
	}
}

func newTransport(t *testing.T, rawURI string, sink *idmefv2transport.Sink) *Transport {
	t.Helper()
	return newTransportWithOptions(t, rawURI, sink, idmefv2transport.Options{})
}

func newTransportWithOptions(t *testing.T, rawURI string, sink *idmefv2transport.Sink, opts idmefv2transport.Options) *Transport {
	t.Helper()
	uri, err := url.Parse(rawURI)
	if err != nil {
		t.Fatalf("url.Parse() failed: %v", err)
	}
	opts.ContentType = "application/json"
	opts.Codec = codec.Default
	tr, err := New(uri, sink, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return tr
}

// startReceiver starts a receiving transport on an ephemeral port and returns
// it with the URL its listener serves.
func startReceiver(t *testing.T, sink *idmefv2transport.Sink) (*Transport, string) {
	t.Helper()
	tr := newTransport(t, "http://127.0.0.1:0/", sink)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return tr, "http://" + tr.listener.Addr().String() + "/"
}

func post(t *testing.T, target, contentType string, body []byte) *http.Response {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Post(target, contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestSendMessage(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tr := newTransport(t, server.URL+"/", nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer tr.Stop()

	if err := tr.SendMessage(context.Background(), testMessage()); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Expected content type 'application/json', got '%s'", gotContentType)
	}
	decoded, err := codec.Default.Decode(gotBody, "application/json")
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, testMessage()) {
		t.Errorf("Expected %v, got %v", testMessage(), decoded)
	}
}

func TestSendMessageErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := newTransport(t, server.URL, nil)
	_ = tr.Start(context.Background())
	defer tr.Stop()

	err := tr.SendMessage(context.Background(), testMessage())
	if !errors.Is(err, idmefv2transport.ErrDelivery) {
		t.Fatalf("Expected ErrDelivery, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Expected the status in the error, got %v", err)
	}
}

func TestSendMessageConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := newTransport(t, "http://"+addr+"/", nil)
	_ = tr.Start(context.Background())
	defer tr.Stop()

	if err := tr.SendMessage(context.Background(), testMessage()); !errors.Is(err, idmefv2transport.ErrDelivery) {
		t.Errorf("Expected ErrDelivery, got %v", err)
	}
}

func TestSendMessageEncodingError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	tr := newTransport(t, server.URL, nil)
	_ = tr.Start(context.Background())
	defer tr.Stop()

	err := tr.SendMessage(context.Background(), idmefv2transport.Message{"bad": make(chan int)})
	if !errors.Is(err, idmefv2transport.ErrEncoding) {
		t.Errorf("Expected ErrEncoding, got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("Expected no request for an unencodable message")
	}
}

func TestSendMessageOutsideStarted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	tr := newTransport(t, server.URL, nil)

	if err := tr.SendMessage(context.Background(), testMessage()); !errors.Is(err, idmefv2transport.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted before Start, got %v", err)
	}

	_ = tr.Start(context.Background())
	_ = tr.Stop()

	if err := tr.SendMessage(context.Background(), testMessage()); !errors.Is(err, idmefv2transport.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted after Stop, got %v", err)
	}

	if hits.Load() != 0 {
		t.Errorf("Expected no requests, got %d", hits.Load())
	}
}

func TestLifecycleErrors(t *testing.T) {
	tr := newTransport(t, "http://127.0.0.1:0/", nil)

	if err := tr.Stop(); !errors.Is(err, idmefv2transport.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, idmefv2transport.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := tr.Stop(); !errors.Is(err, idmefv2transport.ErrAlreadyStopped) {
		t.Errorf("Expected ErrAlreadyStopped, got %v", err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, idmefv2transport.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted after Stop, got %v", err)
	}
}

func TestReceiveThenStop(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)

	body, _ := codec.Default.Encode(testMessage(), "application/json")
	resp := post(t, target, "application/json", body)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sink.Get(ctx)
	if err != nil {
		t.Fatalf("Expected a message in the sink: %v", err)
	}
	if !reflect.DeepEqual(msg, testMessage()) {
		t.Errorf("Expected %v, got %v", testMessage(), msg)
	}
	if sink.Len() != 0 {
		t.Errorf("Expected exactly one message, %d left", sink.Len())
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	if _, err := client.Post(target, "application/json", bytes.NewReader(body)); err == nil {
		t.Error("Expected POST after Stop to fail to connect")
	}
	if sink.Len() != 0 {
		t.Errorf("Expected no message after Stop, got %d", sink.Len())
	}
}

func TestReceiveDefaultContentType(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, _ := codec.Default.Encode(testMessage(), "application/json")
	req, _ := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	if sink.Len() != 1 {
		t.Errorf("Expected 1 message, got %d", sink.Len())
	}
}

func TestReceiveOtherContentType(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, _ := codec.Default.Encode(testMessage(), "application/msgpack")
	resp := post(t, target, "application/msgpack", body)

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}
	msg, ok := sink.TryGet()
	if !ok || !reflect.DeepEqual(msg, testMessage()) {
		t.Errorf("Expected %v, got %v", testMessage(), msg)
	}
}

func TestReceiveRejections(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        io.Reader
		expected    int
	}{
		{"malformed body", http.MethodPost, "", "application/json", strings.NewReader(`{"ID":`), http.StatusBadRequest},
		{"not an object", http.MethodPost, "", "application/json", strings.NewReader(`[1]`), http.StatusBadRequest},
		{"empty body", http.MethodPost, "", "application/json", strings.NewReader(""), http.StatusBadRequest},
		{"unsupported type", http.MethodPost, "", "text/plain", strings.NewReader("hello"), http.StatusUnsupportedMediaType},
		{"chunked body", http.MethodPost, "", "application/json", io.MultiReader(strings.NewReader(`{"ID":"x"}`)), http.StatusLengthRequired},
		{"wrong method", http.MethodGet, "", "", nil, http.StatusMethodNotAllowed},
		{"wrong path", http.MethodPost, "other", "application/json", strings.NewReader(`{"ID":"x"}`), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, target+tt.path, tt.body)
			if err != nil {
				t.Fatalf("NewRequest() failed: %v", err)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, resp.StatusCode)
			}
		})
	}

	if sink.Len() != 0 {
		t.Errorf("Expected no message in the sink, got %d", sink.Len())
	}
}

func TestReceiveTooLarge(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr := newTransportWithOptions(t, "http://127.0.0.1:0/", sink, idmefv2transport.Options{MaxBodySize: 16})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer tr.Stop()
	target := "http://" + tr.listener.Addr().String() + "/"

	resp := post(t, target, "application/json", []byte(`{"ID":"0123456789abcdef"}`))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", resp.StatusCode)
	}

	resp = post(t, target, "application/json", []byte(`{"ID":"abcdefg"}`))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413 at the limit, got %d", resp.StatusCode)
	}

	resp = post(t, target, "application/json", []byte(`{"ID":"abcdef"}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204 under the limit, got %d", resp.StatusCode)
	}
	if sink.Len() != 1 {
		t.Errorf("Expected 1 message, got %d", sink.Len())
	}
}

func TestReceiveSinkFull(t *testing.T) {
	sink := idmefv2transport.NewSink(1)
	sink.Offer(idmefv2transport.Message{"ID": "queued"})
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, _ := codec.Default.Encode(testMessage(), "application/json")
	resp := post(t, target, "application/json", body)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	if sink.Len() != 1 {
		t.Errorf("Expected sink to keep 1 message, got %d", sink.Len())
	}
}

func multipartBody(t *testing.T, parts ...[2]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", p[0])
		w, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("CreatePart() failed: %v", err)
		}
		w.Write([]byte(p[1]))
	}
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

func TestReceiveMultipart(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, contentType := multipartBody(t,
		[2]string{"application/json", `{"ID":"first"}`},
		[2]string{"application/json", `{"ID":"second"}`},
	)
	resp := post(t, target, contentType, body)

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}
	for _, want := range []string{"first", "second"} {
		msg, ok := sink.TryGet()
		if !ok {
			t.Fatalf("Expected message %s", want)
		}
		if msg.ID() != want {
			t.Errorf("Expected ID '%s', got '%s'", want, msg.ID())
		}
	}
}

func TestReceiveMultipartAllOrNothing(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, contentType := multipartBody(t,
		[2]string{"application/json", `{"ID":"first"}`},
		[2]string{"application/json", `{"ID":`},
	)
	resp := post(t, target, contentType, body)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if sink.Len() != 0 {
		t.Errorf("Expected no message in the sink, got %d", sink.Len())
	}
}

func TestReceiveMultipartEmpty(t *testing.T) {
	sink := idmefv2transport.NewSink(0)
	tr, target := startReceiver(t, sink)
	defer tr.Stop()

	body, contentType := multipartBody(t)
	resp := post(t, target, contentType, body)

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", resp.StatusCode)
	}
}

func TestStartAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	defer ln.Close()

	tr := newTransport(t, "http://"+ln.Addr().String()+"/", idmefv2transport.NewSink(0))

	if err := tr.Start(context.Background()); !errors.Is(err, idmefv2transport.ErrTransportInit) {
		t.Fatalf("Expected ErrTransportInit, got %v", err)
	}
	if err := tr.Stop(); !errors.Is(err, idmefv2transport.ErrNotStarted) {
		t.Errorf("Expected the transport to remain unstarted, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		sink *idmefv2transport.Sink
	}{
		{"wrong scheme", "ftp://host/", nil},
		{"no host", "http:///path", nil},
		{"https listener without certificate", "https://127.0.0.1:8443/", idmefv2transport.NewSink(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, _ := url.Parse(tt.uri)
			_, err := New(uri, tt.sink, idmefv2transport.Options{ContentType: "application/json", Codec: codec.Default})
			if !errors.Is(err, idmefv2transport.ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	tests := []struct {
		uri      string
		expected string
	}{
		{"http://127.0.0.1:9999/", "127.0.0.1:9999"},
		{"http://localhost/", "localhost:80"},
		{"https://localhost/", "localhost:443"},
		{"http://[::1]:8080/x", "[::1]:8080"},
	}

	for _, tt := range tests {
		uri, _ := url.Parse(tt.uri)
		if result := ListenAddr(uri); result != tt.expected {
			t.Errorf("ListenAddr(%s): expected '%s', got '%s'", tt.uri, tt.expected, result)
		}
	}
}
