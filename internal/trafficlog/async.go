package trafficlog

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncSink decouples event delivery from request handling. Events are queued
// on a bounded channel and forwarded to the downstream sink by a background
// goroutine. Enqueueing never blocks: when the buffer is full the event is
// dropped and a warning is logged. Buffering is a sink-side concern; the
// Emitter itself stays synchronous and unbuffered.
type AsyncSink struct {
	downstream Sink
	buffer     chan *Event
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// DefaultAsyncBufferSize is used when NewAsyncSink is given a non-positive size.
const DefaultAsyncBufferSize = 1000

// NewAsyncSink creates an AsyncSink forwarding to downstream and starts its
// delivery goroutine. The caller must Close it during shutdown to drain
// queued events.
func NewAsyncSink(downstream Sink, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = DefaultAsyncBufferSize
	}

	s := &AsyncSink{
		downstream: downstream,
		buffer:     make(chan *Event, bufferSize),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.deliverLoop()

	return s
}

// Emit queues an event for async delivery. Non-blocking.
func (s *AsyncSink) Emit(_ context.Context, ev *Event) {
	if ev == nil {
		return
	}

	select {
	case s.buffer <- ev:
	default:
		slog.Warn("traffic log buffer full, dropping event",
			"template", string(ev.Template),
		)
	}
}

// Close stops the delivery goroutine after draining queued events.
// Safe to call multiple times.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *AsyncSink) deliverLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.buffer:
			s.downstream.Emit(context.Background(), ev)

		case <-s.done:
			// Shutdown: drain whatever is still queued
			for {
				select {
				case ev := <-s.buffer:
					s.downstream.Emit(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}
