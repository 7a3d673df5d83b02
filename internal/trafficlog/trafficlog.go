// Package trafficlog provides HTTP traffic logging for the gateway.
// It captures request/response bodies under configurable size ceilings and
// emits one structured event per request phase to a configurable sink.
package trafficlog

import (
	"context"
	"strings"
	"time"
)

// Template identifies the kind of event emitted for a request phase.
type Template string

const (
	// RequestCaptured is emitted when the request body was buffered and decoded.
	RequestCaptured Template = "RequestCaptured"

	// RequestSkipped is emitted when the request body was not captured
	// (capture disabled, no declared length, empty, or too large).
	RequestSkipped Template = "RequestSkipped"

	// ResponseCaptured is emitted when the response body was buffered and decoded.
	ResponseCaptured Template = "ResponseCaptured"

	// ResponseSkipped is emitted when the response body was not captured.
	ResponseSkipped Template = "ResponseSkipped"
)

// RequestContext holds the per-request caller and network metadata derived at
// interceptor entry. It is read-only after construction and owned exclusively
// by the handling request; nothing is retained across requests.
type RequestContext struct {
	RequestID string
	Caller    string
	RemoteIP  string
	UserAgent string
	Method    string
	Path      string
}

// Event is a single structured log event handed to the sink. Fields includes
// the RequestContext identity fields merged in by the Emitter. An Event is
// immutable once constructed and must not be retained by the interceptor.
type Event struct {
	Template  Template
	Timestamp time.Time
	Fields    map[string]any
}

// Sink receives composed events. Delivery semantics (buffering, batching,
// transport) are the sink's responsibility; the Emitter never retries.
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev *Event)
}

// Hooks receives capture outcome notifications for metrics collection.
// Implementations must be safe for concurrent use.
type Hooks interface {
	// EventEmitted is called once per emitted event.
	EventEmitted(template Template)

	// BytesCaptured reports the number of body bytes buffered for a phase
	// ("request" or "response").
	BytesCaptured(phase string, n int)
}

// AnonymousCaller is the sentinel caller identity used when no authenticated
// principal is attached to the request.
const AnonymousCaller = "anonymous"

// RedactedHeaders contains headers that should be automatically redacted.
// Values are replaced with "[REDACTED]" to prevent leaking secrets.
var RedactedHeaders = []string{
	"authorization",
	"x-api-key",
	"cookie",
	"set-cookie",
	"x-auth-token",
	"x-access-token",
	"proxy-authorization",
}

// RedactHeaders redacts sensitive headers from a header map.
// The original map is not modified; a new map is returned.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	result := make(map[string]string, len(headers))
	for key, value := range headers {
		keyLower := strings.ToLower(key)
		redacted := false
		for _, redactKey := range RedactedHeaders {
			if keyLower == redactKey {
				result[key] = "[REDACTED]"
				redacted = true
				break
			}
		}
		if !redacted {
			result[key] = value
		}
	}
	return result
}

// extractHeaders flattens a multi-value header map to one value per key,
// joining multiple values and redacting sensitive headers.
func extractHeaders(headers map[string][]string) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		switch len(values) {
		case 0:
		case 1:
			result[key] = values[0]
		default:
			result[key] = strings.Join(values, ", ")
		}
	}
	return RedactHeaders(result)
}
