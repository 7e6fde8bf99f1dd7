package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Sink delivers stream events to a consumer over a transport (channel, SSE,
	// WebSocket, Pulse). Implementations must be safe for use by the single
	// producing goroutine and any number of closers.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. Send
		// returns an error if delivery fails (sink closed, serialization error,
		// transport unavailable). The driver propagates Send errors as stream
		// failures so delivery problems surface immediately rather than silently
		// dropping events.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent; after
		// Close returns, subsequent Send calls must return errors.
		Close(ctx context.Context) error
	}

	// Channel is a push-based in-process Sink backed by a buffered Go channel.
	// The producer (step-loop driver) writes events and the consumer (artifact
	// collector, live display, wire shim) reads lazily from Events. Closing the
	// sink closes the channel; in-flight tool executions are allowed to finish
	// before the driver tears down the sink.
	Channel struct {
		ch   chan Event
		done chan struct{}
		once sync.Once
		// sendMu is held across the whole Send so Close can wait for an
		// in-flight Send to drain before closing the events channel.
		sendMu sync.Mutex
	}

	// Collector is a Sink that accumulates every event in emission order. It is
	// the input surface for live-run normalization and for tests asserting on
	// full streams.
	Collector struct {
		mu     sync.Mutex
		events []Event
	}

	// Multi fans a single event stream out to several sinks. Send stops at the
	// first sink error so failures surface immediately.
	Multi struct {
		sinks []Sink
	}
)

// ErrSinkClosed is returned by Send after the sink has been closed.
var ErrSinkClosed = errors.New("events: sink closed")

// NewChannel constructs a Channel sink with the given buffer size. A zero
// buffer makes Send block until the consumer reads the event.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// Events returns the receive side of the channel. The channel is closed when
// the sink is closed; consumers should range over it.
func (c *Channel) Events() <-chan Event { return c.ch }

// Send implements Sink. It blocks until the consumer accepts the event, the
// sink is closed, or ctx is canceled.
func (c *Channel) Send(ctx context.Context, event Event) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return ErrSinkClosed
	default:
	}
	select {
	case c.ch <- event:
		return nil
	case <-c.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink. It unblocks any in-flight Send, waits for it to
// return, then closes the events channel exactly once.
func (c *Channel) Close(context.Context) error {
	c.once.Do(func() {
		close(c.done)
		c.sendMu.Lock()
		close(c.ch)
		c.sendMu.Unlock()
	})
	return nil
}

// NewCollector constructs an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Send implements Sink by appending the event to the in-memory log.
func (c *Collector) Send(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Close implements Sink. It is a no-op: collected events remain readable.
func (c *Collector) Close(context.Context) error { return nil }

// Events returns a copy of the collected events in emission order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// NewMulti constructs a Sink that forwards every event to each of the given
// sinks in order.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Send implements Sink.
func (m *Multi) Send(ctx context.Context, event Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink. All sinks are closed; the first error is returned.
func (m *Multi) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
