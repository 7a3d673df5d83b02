package trafficlog

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"
)

// Middleware creates the traffic logging interceptor. Per request it derives
// the caller/network metadata, optionally captures the request body before the
// downstream chain runs and the response body after it returns, and emits
// exactly one request-phase and one response-phase event, in that order.
//
// The capture is non-destructive: downstream handlers read the request body
// from offset 0, and the transport sends the response unmodified.
func Middleware(cfg Config, em *Emitter) echo.MiddlewareFunc {
	pool := NewBufferPool()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// Propagate or generate the request ID
			requestID := req.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set("X-Request-ID", requestID)

			rc := newRequestContext(c, requestID)

			// Ambient scope: a request-scoped logger carrying the identity
			// fields, valid until the request context is discarded.
			reqLogger := slog.Default().With(
				"request_id", rc.RequestID,
				"caller", rc.Caller,
				"remote_ip", rc.RemoteIP,
				"user_agent", rc.UserAgent,
			)
			ctx := WithLogger(req.Context(), reqLogger)
			req = req.WithContext(ctx)
			c.SetRequest(req)

			// Request phase
			if cfg.ShouldCaptureRequest(req.ContentLength) && req.Body != nil {
				length := int(req.ContentLength)
				buf := pool.Get(length)
				defer pool.Put(buf)

				// A short read means the peer declared more than it sent;
				// log whatever arrived rather than failing the request.
				n, readErr := io.ReadFull(req.Body, buf)
				captured := buf[:n]

				// Splice the captured bytes back in front of the unread
				// remainder so downstream sees the body from offset 0.
				req.Body = restoredBody{
					Reader: io.MultiReader(bytes.NewReader(captured), req.Body),
					closer: req.Body,
				}

				body := toValidUTF8String(captured)
				fields := map[string]any{
					"method":     rc.Method,
					"path":       rc.Path,
					"body":       body,
					"body_bytes": n,
					"body_xxh64": fmt.Sprintf("%016x", xxhash.Sum64String(body)),
				}
				if readErr != nil && n < length {
					fields["short_read"] = true
				}
				if cfg.LogHeaders {
					fields["headers"] = extractHeaders(req.Header)
				}
				for _, path := range cfg.BodyFields {
					if r := gjson.Get(body, path); r.Exists() {
						fields["body."+path] = r.Value()
					}
				}

				if em.hooks != nil {
					em.hooks.BytesCaptured("request", n)
				}
				em.Emit(ctx, rc, RequestCaptured, fields)
			} else {
				fields := map[string]any{
					"method": rc.Method,
					"path":   rc.Path,
				}
				if cfg.LogHeaders {
					fields["headers"] = extractHeaders(req.Header)
				}
				em.Emit(ctx, rc, RequestSkipped, fields)
			}

			// Buffer the response body so it can be re-read after the chain
			// returns. The wrapper forwards every write to the transport.
			var capture *responseCapture
			if cfg.ResponseEnabled {
				buf := pool.Get(cfg.ResponseMaxBytes)
				defer pool.Put(buf)
				capture = &responseCapture{
					ResponseWriter: c.Response().Writer,
					buf:            buf[:cfg.ResponseMaxBytes],
				}
				c.Response().Writer = capture
				// Detach before the buffer release above runs (defers are
				// LIFO) so writes from the error handler, or from recovery
				// after a downstream panic, never land in a buffer already
				// back in the pool.
				defer func() {
					c.Response().Writer = capture.ResponseWriter
				}()
			}

			// Downstream chain. Errors propagate unchanged; the deferred
			// buffer releases above run on every exit path, panics included.
			err := next(c)

			// Response phase
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				// The error handler has not produced a response yet; derive
				// the status the chain is about to send.
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			var written int64
			if capture != nil {
				written = capture.written
			}

			if capture != nil && cfg.ShouldCaptureResponse(written) {
				body := capture.buf[:capture.stored]
				if enc := c.Response().Header().Get("Content-Encoding"); enc != "" {
					if decompressed, ok := decompressBody(body, enc); ok {
						body = decompressed
					}
				}

				fields := map[string]any{
					"method":      rc.Method,
					"path":        rc.Path,
					"status_code": status,
					"body":        toValidUTF8String(body),
					"body_bytes":  written,
				}
				if cfg.LogHeaders {
					fields["headers"] = extractHeaders(c.Response().Header())
				}

				if em.hooks != nil {
					em.hooks.BytesCaptured("response", capture.stored)
				}
				em.Emit(ctx, rc, ResponseCaptured, fields)
			} else {
				em.Emit(ctx, rc, ResponseSkipped, map[string]any{
					"method":      rc.Method,
					"path":        rc.Path,
					"status_code": status,
				})
			}

			return err
		}
	}
}

// restoredBody re-wraps a captured request body. Close is forwarded to the
// original body so the connection is released as usual.
type restoredBody struct {
	io.Reader
	closer io.Closer
}

func (b restoredBody) Close() error {
	return b.closer.Close()
}

// responseCapture wraps http.ResponseWriter to copy the response body into a
// leased buffer while counting total bytes written. It implements
// http.Flusher and http.Hijacker by delegating to the underlying writer if it
// supports those interfaces.
type responseCapture struct {
	http.ResponseWriter
	buf     []byte
	stored  int
	written int64
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.stored < len(r.buf) {
		r.stored += copy(r.buf[r.stored:], b)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher. Required for SSE streaming to work through the capture.
func (r *responseCapture) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack delegates to the underlying ResponseWriter if it implements
// http.Hijacker. Required for WebSocket upgrades to work through the capture.
func (r *responseCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// toValidUTF8String converts bytes to a valid UTF-8 string. Invalid sequences
// are replaced with the Unicode replacement character; decoding never fails.
func toValidUTF8String(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// decompressBody attempts to decompress a captured response body based on
// Content-Encoding. Returns the original body unchanged if no decompression
// is needed or if it fails. Supports gzip, deflate, and brotli (br).
func decompressBody(body []byte, contentEncoding string) ([]byte, bool) {
	if len(body) == 0 || contentEncoding == "" {
		return body, false
	}

	// Handle "gzip, deflate" style values - take the first encoding
	encoding := strings.TrimSpace(strings.Split(contentEncoding, ",")[0])
	encoding = strings.ToLower(encoding)

	if encoding == "identity" || encoding == "" {
		return body, false
	}

	var reader io.ReadCloser
	var err error

	switch encoding {
	case "gzip":
		reader, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		reader = flate.NewReader(bytes.NewReader(body))
	case "br":
		reader = io.NopCloser(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, false
	}

	if err != nil {
		return body, false
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize))
	if err != nil {
		return body, false
	}

	return decompressed, true
}
