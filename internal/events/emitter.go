package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const sendTimeout = 5 * time.Second

// Emitter queues events and hands them to a Sink from a single goroutine, so
// events leave in the order they were published. A full queue drops the event.
type Emitter struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Uint64
	sent    atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewEmitter(sink Sink, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	e := &Emitter{
		sink:  sink,
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Publish enqueues ev without blocking. After Close the event is dropped.
func (e *Emitter) Publish(_ context.Context, ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		log.Warn().Stringer("event_type", ev.Type).Str("key", ev.Key()).Msg("events: emitter closed, event dropped")
		return
	}

	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		log.Warn().Stringer("event_type", ev.Type).Str("key", ev.Key()).Msg("events: queue full, event dropped")
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := e.sink.Send(ctx, ev); err != nil {
			log.Error().Err(err).Stringer("event_type", ev.Type).Str("key", ev.Key()).Msg("events: failed to send event")
		} else {
			e.sent.Add(1)
		}
		cancel()
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) Sent() uint64 {
	return e.sent.Load()
}

// Close drains queued events, then closes the sink. Events published
// afterwards are counted as dropped.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	return e.sink.Close()
}
