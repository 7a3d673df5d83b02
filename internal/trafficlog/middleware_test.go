package trafficlog

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// newTestServer builds an echo instance with the traffic logger mounted and a
// single POST/GET route backed by handler. pre middlewares run before the
// traffic logger (like the auth layer does in production).
func newTestServer(cfg Config, sink Sink, handler echo.HandlerFunc, pre ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	for _, m := range pre {
		e.Use(m)
	}
	e.Use(Middleware(cfg, NewEmitter(sink, nil)))
	e.POST("/v1/echo", handler)
	e.GET("/v1/echo", handler)
	return e
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestCaptured(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	body := `{"message":"hello world","count":3,"flag":true}`
	var downstreamSaw []byte
	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Errorf("downstream read: %v", err)
		}
		downstreamSaw = b
		return c.String(http.StatusOK, "ok")
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Capture must be non-destructive
	if string(downstreamSaw) != body {
		t.Errorf("downstream body = %q, want %q", downstreamSaw, body)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Template != RequestCaptured {
		t.Errorf("first event = %q, want RequestCaptured", events[0].Template)
	}
	if events[1].Template != ResponseSkipped {
		t.Errorf("second event = %q, want ResponseSkipped", events[1].Template)
	}

	ev := events[0]
	if ev.Fields["body"] != body {
		t.Errorf("captured body = %q, want %q", ev.Fields["body"], body)
	}
	if ev.Fields["method"] != http.MethodPost {
		t.Errorf("method = %v, want POST", ev.Fields["method"])
	}
	if ev.Fields["path"] != "/v1/echo" {
		t.Errorf("path = %v, want /v1/echo", ev.Fields["path"])
	}
	if ev.Fields["caller"] != AnonymousCaller {
		t.Errorf("caller = %v, want anonymous sentinel", ev.Fields["caller"])
	}
	if _, ok := ev.Fields["body_xxh64"].(string); !ok {
		t.Error("expected body_xxh64 field")
	}
}

func TestRequestSkippedNoContentLength(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	body := "streamed payload"
	var downstreamSaw []byte
	handler := func(c echo.Context) error {
		downstreamSaw, _ = io.ReadAll(c.Request().Body)
		return c.NoContent(http.StatusOK)
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
	req.ContentLength = -1 // chunked transfer: length unknown
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Template != RequestSkipped {
		t.Errorf("request event = %q, want RequestSkipped", events[0].Template)
	}
	if _, hasBody := events[0].Fields["body"]; hasBody {
		t.Error("skipped event must not carry a body")
	}

	// The body stream is untouched by the interceptor
	if string(downstreamSaw) != body {
		t.Errorf("downstream body = %q, want %q", downstreamSaw, body)
	}
}

func TestRequestCaptureBoundary(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		template Template
	}{
		{"length equal to max is skipped", 1000, RequestSkipped},
		{"length one below max is captured", 999, RequestCaptured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

			e := newTestServer(cfg, sink, okHandler)
			body := strings.Repeat("a", tt.size)
			req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			events := sink.all()
			if len(events) != 2 {
				t.Fatalf("expected 2 events, got %d", len(events))
			}
			if events[0].Template != tt.template {
				t.Errorf("request event = %q, want %q", events[0].Template, tt.template)
			}
		})
	}
}

func TestRequestShortRead(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	e := newTestServer(cfg, sink, okHandler)
	// Peer declares 100 bytes but sends 10: best-effort, log what arrived
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader("0123456789"))
	req.ContentLength = 100
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ev := events[0]
	if ev.Template != RequestCaptured {
		t.Fatalf("request event = %q, want RequestCaptured", ev.Template)
	}
	if ev.Fields["body"] != "0123456789" {
		t.Errorf("body = %q, want the bytes that arrived", ev.Fields["body"])
	}
	if ev.Fields["short_read"] != true {
		t.Error("expected short_read marker")
	}
}

func TestRequestBodyUTF8RoundTrip(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	body := "héllo wörld — ✓ 日本語"
	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if events[0].Fields["body"] != body {
		t.Errorf("captured text = %q, want exact round-trip of %q", events[0].Fields["body"], body)
	}
}

func TestRequestBodyInvalidUTF8(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", bytes.NewReader([]byte{'a', 0xff, 0xfe, 'b'}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	got, _ := events[0].Fields["body"].(string)
	if !strings.Contains(got, "�") {
		t.Errorf("body = %q, want replacement characters for invalid bytes", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("decode anomaly must not fail the request, got status %d", rec.Code)
	}
}

func TestResponseCaptured(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 1000}

	handler := func(c echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]string{"result": "done"})
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ev := events[1]
	if ev.Template != ResponseCaptured {
		t.Fatalf("response event = %q, want ResponseCaptured", ev.Template)
	}
	if ev.Fields["status_code"] != http.StatusCreated {
		t.Errorf("status_code = %v, want 201", ev.Fields["status_code"])
	}
	// The transport sends the unmodified content
	if ev.Fields["body"] != rec.Body.String() {
		t.Errorf("captured body = %q, client saw %q", ev.Fields["body"], rec.Body.String())
	}
}

func TestResponseSkippedStatus500EmptyBody(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 1000}

	handler := func(c echo.Context) error {
		return c.NoContent(http.StatusInternalServerError)
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ev := events[1]
	if ev.Template != ResponseSkipped {
		t.Fatalf("response event = %q, want ResponseSkipped", ev.Template)
	}
	if ev.Fields["status_code"] != http.StatusInternalServerError {
		t.Errorf("status_code = %v, want 500", ev.Fields["status_code"])
	}
}

func TestResponseCaptureBoundary(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		template Template
	}{
		{"size equal to max is skipped", 512, ResponseSkipped},
		{"size one below max is captured", 511, ResponseCaptured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 512}

			payload := strings.Repeat("b", tt.size)
			handler := func(c echo.Context) error {
				return c.String(http.StatusOK, payload)
			}

			e := newTestServer(cfg, sink, handler)
			req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			events := sink.all()
			if events[1].Template != tt.template {
				t.Errorf("response event = %q, want %q", events[1].Template, tt.template)
			}
			// Client always receives the full payload
			if rec.Body.String() != payload {
				t.Errorf("client body length = %d, want %d", rec.Body.Len(), len(payload))
			}
		})
	}
}

func TestResponseGzipDecompressed(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 1000}

	plain := "the quick brown fox jumps over the lazy dog"
	handler := func(c echo.Context) error {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write([]byte(plain)); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		c.Response().Header().Set("Content-Encoding", "gzip")
		return c.Blob(http.StatusOK, "text/plain", buf.Bytes())
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	ev := events[1]
	if ev.Template != ResponseCaptured {
		t.Fatalf("response event = %q, want ResponseCaptured", ev.Template)
	}
	if ev.Fields["body"] != plain {
		t.Errorf("body = %q, want decompressed %q", ev.Fields["body"], plain)
	}
}

func TestDownstreamErrorPropagates(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 1000}

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "backend down")
	}

	e := newTestServer(cfg, sink, handler)
	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Error propagated unchanged to echo's error handler
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("client status = %d, want 503", rec.Code)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ev := events[1]
	if ev.Template != ResponseSkipped {
		t.Fatalf("response event = %q, want ResponseSkipped", ev.Template)
	}
	// The error handler has not committed a response when the event fires;
	// the status is derived from the error itself
	if ev.Fields["status_code"] != http.StatusServiceUnavailable {
		t.Errorf("status_code = %v, want 503", ev.Fields["status_code"])
	}
}

func TestPanicDetachesCaptureWriter(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{ResponseEnabled: true, ResponseMaxBytes: 1000}

	handler := func(c echo.Context) error {
		panic("downstream exploded")
	}

	// Observes the response writer after the panic has unwound through the
	// interceptor and been converted to an error by recovery. Whatever the
	// error handler writes from here on must reach the transport directly,
	// not a capture buffer that has been returned to the pool.
	var writerAfterUnwind http.ResponseWriter
	checker := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			writerAfterUnwind = c.Response().Writer
			return err
		}
	}

	e := echo.New()
	e.Use(checker)
	e.Use(echomw.Recover())
	e.Use(Middleware(cfg, NewEmitter(sink, nil)))
	e.GET("/v1/echo", handler)

	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if _, stale := writerAfterUnwind.(*responseCapture); stale {
		t.Error("capture wrapper still installed after panic unwind; error response would land in a released buffer")
	}
}

func TestCaptureDisabledStillEmitsBothPhases(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{}

	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader("body"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 events, got %d", len(events))
	}
	if events[0].Template != RequestSkipped || events[1].Template != ResponseSkipped {
		t.Errorf("events = [%q, %q], want [RequestSkipped, ResponseSkipped]",
			events[0].Template, events[1].Template)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{}

	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	req.Header.Set("X-Request-ID", "client-chosen-id")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-chosen-id" {
		t.Errorf("response X-Request-ID = %q, want client-chosen-id", got)
	}
	if sink.all()[0].Fields["request_id"] != "client-chosen-id" {
		t.Errorf("event request_id = %v, want client-chosen-id", sink.all()[0].Fields["request_id"])
	}
}

func TestRequestIDGenerated(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{}

	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	if len(got) != 36 {
		t.Errorf("expected generated UUID (36 chars), got %q", got)
	}
}

func TestHeadersOnEventsRedacted(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000, LogHeaders: true}

	e := newTestServer(cfg, sink, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept", "text/plain")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	headers, ok := sink.all()[0].Fields["headers"].(map[string]string)
	if !ok {
		t.Fatal("expected headers field")
	}
	if headers["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %q, want [REDACTED]", headers["Authorization"])
	}
	if headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", headers["Content-Type"])
	}
	if headers["Accept"] != "application/json, text/plain" {
		t.Errorf("Accept = %q, want joined values", headers["Accept"])
	}
}

func TestSkippedEventCarriesHeaders(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 10, LogHeaders: true}

	e := newTestServer(cfg, sink, okHandler)
	// Over the ceiling: skipped, but headers still ride the event
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(strings.Repeat("a", 64)))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	ev := sink.all()[0]
	if ev.Template != RequestSkipped {
		t.Fatalf("request event = %q, want RequestSkipped", ev.Template)
	}
	headers, ok := ev.Fields["headers"].(map[string]string)
	if !ok {
		t.Fatal("skipped event must carry a headers field")
	}
	if headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", headers["Content-Type"])
	}
}

func TestBodyFieldExtraction(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{
		RequestEnabled:  true,
		RequestMaxBytes: 1000,
		BodyFields:      []string{"model", "stream", "missing"},
	}

	e := newTestServer(cfg, sink, okHandler)
	body := `{"model":"gpt-4","stream":true,"messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	ev := sink.all()[0]
	if ev.Fields["body.model"] != "gpt-4" {
		t.Errorf("body.model = %v, want gpt-4", ev.Fields["body.model"])
	}
	if ev.Fields["body.stream"] != true {
		t.Errorf("body.stream = %v, want true", ev.Fields["body.stream"])
	}
	if _, ok := ev.Fields["body.missing"]; ok {
		t.Error("absent paths must not produce fields")
	}
}

func TestConcurrentRequestsContextIsolation(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{RequestEnabled: true, RequestMaxBytes: 1000}

	// Simulates the auth layer: caller identity from a request header
	identify := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			SetCaller(c, c.Request().Header.Get("X-Test-Caller"))
			return next(c)
		}
	}

	e := newTestServer(cfg, sink, okHandler, identify)

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := fmt.Sprintf("user-%d", i)
			body := fmt.Sprintf("payload-for-%s", caller)
			req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(body))
			req.Header.Set("X-Test-Caller", caller)
			req.Header.Set("User-Agent", "agent-"+caller)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
		}(i)
	}
	wg.Wait()

	events := sink.all()
	if len(events) != 2*n {
		t.Fatalf("expected %d events, got %d", 2*n, len(events))
	}

	// Every request observes only its own identity: the captured body must
	// match the caller and user agent on the same event, with no bleed
	captured := 0
	for _, ev := range events {
		if ev.Template != RequestCaptured {
			continue
		}
		captured++
		caller, _ := ev.Fields["caller"].(string)
		body, _ := ev.Fields["body"].(string)
		agent, _ := ev.Fields["user_agent"].(string)
		if body != "payload-for-"+caller {
			t.Errorf("caller %q paired with body %q", caller, body)
		}
		if agent != "agent-"+caller {
			t.Errorf("caller %q paired with user agent %q", caller, agent)
		}
	}
	if captured != n {
		t.Errorf("captured %d request events, want %d", captured, n)
	}
}
