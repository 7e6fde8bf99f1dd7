// Package pulse exposes an events.Sink implementation that publishes run
// events to goa.design/pulse streams, plus a subscriber that reads them back.
// Services build a Redis client, pass it to the Pulse client, and hand the
// resulting sink to the driver.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/rewind/features/stream/pulse/clients/pulse"

	"goa.design/rewind/runtime/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// "run/<RunID>".
		StreamID func(events.Event) (string, error)
	}

	// Sink publishes run events into Pulse streams. Safe for concurrent Send
	// operations.
	Sink struct {
		client   clientspulse.Client
		streamID func(events.Event) (string, error)
	}

	// envelope is the wire shape of one event on a Pulse stream. Sequence and
	// thread identity travel with the payload so subscribers can reconstruct
	// full events and verify ordering.
	envelope struct {
		// Type is the event type constant.
		Type string `json:"type"`
		// RunID links the event to its run.
		RunID string `json:"run_id"`
		// ThreadID is the optional conversation thread.
		ThreadID string `json:"thread_id,omitempty"`
		// Sequence is the per-run strictly increasing sequence number.
		Sequence uint64 `json:"sequence"`
		// EmittedAt is the driver-side emission time.
		EmittedAt time.Time `json:"emitted_at"`
		// Payload is the event-specific data.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event events.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		ThreadID:  event.ThreadID(),
		Sequence:  event.Sequence(),
		EmittedAt: event.EmittedAt().UTC(),
		Payload:   event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event %s seq %d: %w", event.Type(), event.Sequence(), err)
	}
	if _, err := handle.Add(ctx, string(event.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's run ID.
func defaultStreamID(event events.Event) (string, error) {
	if event.RunID() == "" {
		return "", errors.New("event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID()), nil
}
