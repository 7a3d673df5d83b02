package trafficlog

// Buffer and capture limits.
const (
	// minBufferClass is the smallest pooled buffer size (64B).
	minBufferClass = 64

	// maxBufferClass is the largest pooled buffer size (1MB). Leases above
	// this are allocated directly and not returned to the pool.
	maxBufferClass = 1024 * 1024

	// maxDecompressedSize caps the output of response body decompression.
	// Compression bomb protection.
	maxDecompressedSize = 2 * 1024 * 1024
)

// Context keys for request-scoped traffic logging state.
type contextKey string

const (
	// CallerKey is the echo context key under which the auth layer stores
	// the authenticated principal's display name.
	CallerKey contextKey = "trafficlog_caller"
)

// loggerKey is the context.Context key for the request-scoped logger.
type loggerKeyType struct{}

var loggerKey loggerKeyType
