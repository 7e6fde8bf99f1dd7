package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/rewind/features/stream/pulse/clients/pulse"

	"goa.design/rewind/runtime/events"
)

type (
	fakeClient struct {
		streams   map[string]*fakeStream
		streamErr error
		closed    bool
	}

	fakeStream struct {
		name    string
		added   []addedEvent
		addErr  error
		sink    *fakeSink
		sinkErr error
	}

	addedEvent struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	str, ok := c.streams[name]
	if !ok {
		str = &fakeStream{name: name, sink: newFakeSink()}
		c.streams[name] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, addedEvent{event: event, payload: payload})
	return "1-1", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *streaming.Event, 16)}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) { s.closed = true }

func testEvent(t *testing.T, seq uint64, payload events.TokenPayload) events.Event {
	t.Helper()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Millisecond)
	evt, err := events.New(events.NewBase(events.EventToken, "run-1", "thread-1", seq, at, payload), payload)
	require.NoError(t, err)
	return evt
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.ErrorContains(t, err, "pulse client is required")
}

func TestSinkSendPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	evt := testEvent(t, 3, events.TokenPayload{Delta: "Hel", Accumulated: "Hel"})
	require.NoError(t, sink.Send(context.Background(), evt))

	str, ok := client.streams["run/run-1"]
	require.True(t, ok, "event must land on the run-scoped stream")
	require.Len(t, str.added, 1)
	require.Equal(t, string(events.EventToken), str.added[0].event)

	var env struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		ThreadID  string          `json:"thread_id"`
		Sequence  uint64          `json:"sequence"`
		EmittedAt time.Time       `json:"emitted_at"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	require.Equal(t, string(events.EventToken), env.Type)
	require.Equal(t, "run-1", env.RunID)
	require.Equal(t, "thread-1", env.ThreadID)
	require.Equal(t, uint64(3), env.Sequence)
	require.Equal(t, evt.EmittedAt().UTC(), env.EmittedAt)
	require.NotEmpty(t, env.Payload)
}

func TestSinkSendRejectsMissingRunID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	payload := events.TokenPayload{Delta: "x", Accumulated: "x"}
	evt, err := events.New(events.NewBase(events.EventToken, "", "", 1, time.Now(), payload), payload)
	require.NoError(t, err)

	err = sink.Send(context.Background(), evt)
	require.ErrorContains(t, err, "missing run id")
	require.Empty(t, client.streams)
}

func TestSinkCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(evt events.Event) (string, error) {
			return "audit/" + evt.ThreadID(), nil
		},
	})
	require.NoError(t, err)

	evt := testEvent(t, 1, events.TokenPayload{Delta: "a", Accumulated: "a"})
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Contains(t, client.streams, "audit/thread-1")
}

func TestSinkSendPropagatesAddError(t *testing.T) {
	client := newFakeClient()
	str := &fakeStream{name: "run/run-1", sink: newFakeSink(), addErr: errors.New("redis down")}
	client.streams["run/run-1"] = str
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	evt := testEvent(t, 1, events.TokenPayload{Delta: "a", Accumulated: "a"})
	require.ErrorContains(t, sink.Send(context.Background(), evt), "redis down")
}

func TestSinkCloseDelegatesToClient(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.ErrorContains(t, err, "pulse client is required")
}

func TestSubscribeDecodesEnvelopes(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	payload, err := json.Marshal(envelope{
		Type:      string(events.EventToken),
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Sequence:  7,
		EmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   events.TokenPayload{Delta: "Hi", Accumulated: "Hi"},
	})
	require.NoError(t, err)

	out, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	str := client.streams["run/run-1"]
	str.sink.ch <- &streaming.Event{ID: "1-1", Payload: payload}

	select {
	case evt := <-out:
		require.Equal(t, events.EventToken, evt.Type())
		require.Equal(t, "run-1", evt.RunID())
		require.Equal(t, "thread-1", evt.ThreadID())
		require.Equal(t, uint64(7), evt.Sequence())
		require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), evt.EmittedAt())
		raw, ok := evt.Payload().(json.RawMessage)
		require.True(t, ok)
		var decoded events.TokenPayload
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Equal(t, "Hi", decoded.Delta)
	case err := <-errs:
		t.Fatalf("unexpected subscriber error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded event")
	}

	// Acknowledgement happens after the event is handed to the consumer.
	require.Eventually(t, func() bool {
		return len(str.sink.acked) == 1 && str.sink.acked[0] == "1-1"
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeReportsDecodeError(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	out, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	str := client.streams["run/run-1"]
	str.sink.ch <- &streaming.Event{ID: "1-1", Payload: []byte(`{"run_id":"run-1"}`)}

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "envelope missing event type")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode error")
	}

	// Both channels close once consumption stops.
	_, ok := <-out
	require.False(t, ok)
	require.Empty(t, str.sink.acked)
}

func TestSubscribeCancelClosesSink(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	out, _, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)

	cancel()
	str := client.streams["run/run-1"]
	require.True(t, str.sink.closed)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-out:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribePropagatesSinkError(t *testing.T) {
	client := newFakeClient()
	str := &fakeStream{name: "run/run-1", sinkErr: errors.New("group exists")}
	client.streams["run/run-1"] = str
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), "run/run-1")
	require.ErrorContains(t, err, "group exists")
}
