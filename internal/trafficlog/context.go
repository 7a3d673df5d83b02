package trafficlog

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
)

// WithLogger returns a context carrying the request-scoped logger. The logger
// already includes the RequestContext identity fields, so every log statement
// made through it during the request carries them without re-passing. The
// scope ends with the request context; no global state is involved.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFrom returns the request-scoped logger, or slog.Default() when the
// context was not enriched (e.g. outside a request).
func LoggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// SetCaller attaches the authenticated principal's display name to the echo
// context. The auth layer calls this before the traffic logger runs; absence
// yields the anonymous sentinel.
func SetCaller(c echo.Context, name string) {
	c.Set(string(CallerKey), name)
}

// callerFrom reads the principal display name from the echo context,
// substituting AnonymousCaller when missing or empty.
func callerFrom(c echo.Context) string {
	if v, ok := c.Get(string(CallerKey)).(string); ok && v != "" {
		return v
	}
	return AnonymousCaller
}

// newRequestContext derives the per-request metadata at interceptor entry.
func newRequestContext(c echo.Context, requestID string) *RequestContext {
	req := c.Request()
	return &RequestContext{
		RequestID: requestID,
		Caller:    callerFrom(c),
		RemoteIP:  c.RealIP(),
		UserAgent: req.UserAgent(),
		Method:    req.Method,
		Path:      req.URL.Path,
	}
}
