package trafficlog

// Config holds the capture policy. It is loaded once at startup and never
// mutated afterwards; the middleware reads it on every request.
type Config struct {
	// RequestEnabled enables request-phase body capture.
	RequestEnabled bool

	// RequestMaxBytes is the exclusive upper bound for request capture.
	// A declared length equal to this value is skipped.
	RequestMaxBytes int

	// ResponseEnabled enables response-phase body capture.
	ResponseEnabled bool

	// ResponseMaxBytes is the exclusive upper bound for response capture.
	ResponseMaxBytes int

	// LogHeaders includes flattened request/response headers on events.
	LogHeaders bool

	// BodyFields are gjson paths extracted from captured JSON request bodies
	// into event fields.
	BodyFields []string
}

// ShouldCaptureRequest reports whether a request body with the given declared
// content length qualifies for capture. The length must be known, non-zero,
// and strictly below the ceiling.
func (c Config) ShouldCaptureRequest(contentLength int64) bool {
	return c.RequestEnabled && contentLength > 0 && contentLength < int64(c.RequestMaxBytes)
}

// ShouldCaptureResponse reports whether a response body of the given size
// qualifies for capture.
func (c Config) ShouldCaptureResponse(contentLength int64) bool {
	return c.ResponseEnabled && contentLength > 0 && contentLength < int64(c.ResponseMaxBytes)
}
