package trafficlog

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Emitter composes events and dispatches them to the sink. It merges the
// RequestContext identity fields into every event so sinks see a complete,
// self-contained record. No retries and no buffering happen here; delivery
// semantics belong to the sink.
type Emitter struct {
	sink  Sink
	hooks Hooks
}

// NewEmitter creates an Emitter. hooks may be nil.
func NewEmitter(sink Sink, hooks Hooks) *Emitter {
	return &Emitter{sink: sink, hooks: hooks}
}

// Emit builds an Event from the template and fields, merges the request
// context identity fields, and hands it to the sink. fields is owned by the
// emitter after the call.
func (e *Emitter) Emit(ctx context.Context, rc *RequestContext, template Template, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 4)
	}
	fields["request_id"] = rc.RequestID
	fields["caller"] = rc.Caller
	fields["remote_ip"] = rc.RemoteIP
	fields["user_agent"] = rc.UserAgent

	ev := &Event{
		Template:  template,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	if e.hooks != nil {
		e.hooks.EventEmitted(template)
	}
	e.sink.Emit(ctx, ev)
}

// SlogSink writes events to a slog logger at Info level, one attribute per
// event field, with the template as the message.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink. A nil logger means slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, ev *Event) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Sort keys so log lines are deterministic and diffable.
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}

	logger.LogAttrs(ctx, slog.LevelInfo, string(ev.Template), attrs...)
}
