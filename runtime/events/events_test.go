package events

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsTypedVariants(t *testing.T) {
	now := time.Now()
	base := NewBase(EventToken, "run-1", "th-1", 3, now, nil)
	evt, err := New(base, TokenPayload{MessageID: "m-1", Delta: "hi", Accumulated: "hi"})
	require.NoError(t, err)

	tok, ok := evt.(Token)
	require.True(t, ok)
	require.Equal(t, EventToken, tok.Type())
	require.Equal(t, "run-1", tok.RunID())
	require.Equal(t, "th-1", tok.ThreadID())
	require.Equal(t, uint64(3), tok.Sequence())
	require.Equal(t, "hi", tok.Data.Accumulated)
}

func TestNewRejectsPayloadMismatch(t *testing.T) {
	base := NewBase(EventToolCall, "run-1", "", 1, time.Now(), nil)
	_, err := New(base, TokenPayload{})
	require.Error(t, err)
}

func TestSequencerStartsAtOne(t *testing.T) {
	var s Sequencer
	require.Equal(t, uint64(1), s.Next())
	require.Equal(t, uint64(2), s.Next())
	require.Equal(t, uint64(2), s.Last())
}

func TestSequencerStrictlyIncreasing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("n draws yield 1..n in order", prop.ForAll(
		func(n int) bool {
			var s Sequencer
			prev := uint64(0)
			for i := 0; i < n; i++ {
				next := s.Next()
				if next != prev+1 {
					return false
				}
				prev = next
			}
			return s.Last() == uint64(n)
		},
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

func TestCollectorPreservesOrder(t *testing.T) {
	c := &Collector{}
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		evt, err := New(NewBase(EventToken, "run-1", "", i, time.Now(), nil), TokenPayload{Delta: "x"})
		require.NoError(t, err)
		require.NoError(t, c.Send(ctx, evt))
	}
	got := c.Events()
	require.Len(t, got, 5)
	for i, evt := range got {
		require.Equal(t, uint64(i+1), evt.Sequence())
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	ch := NewChannel(4)
	ctx := context.Background()
	evt, err := New(NewBase(EventRunStart, "run-1", "", 1, time.Now(), nil), RunStartPayload{})
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, evt))
	require.NoError(t, ch.Close(ctx))
	require.NoError(t, ch.Close(ctx), "close must be idempotent")
	require.ErrorIs(t, ch.Send(ctx, evt), ErrSinkClosed)
}

func TestChannelCloseUnblocksSend(t *testing.T) {
	ch := NewChannel(0)
	ctx := context.Background()
	evt, err := New(NewBase(EventToken, "run-1", "", 1, time.Now(), nil), TokenPayload{Delta: "x"})
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		// No consumer reads Events, so this Send blocks until Close.
		sent <- ch.Send(ctx, evt)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Close(ctx))

	select {
	case err := <-sent:
		require.ErrorIs(t, err, ErrSinkClosed)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}
	_, ok := <-ch.Events()
	require.False(t, ok, "events channel must be closed")
}

func TestMultiStopsAtFirstError(t *testing.T) {
	closed := NewChannel(1)
	require.NoError(t, closed.Close(context.Background()))
	collector := &Collector{}
	multi := NewMulti(closed, collector)

	evt, err := New(NewBase(EventRunEnd, "run-1", "", 1, time.Now(), nil), RunEndPayload{})
	require.NoError(t, err)
	require.ErrorIs(t, multi.Send(context.Background(), evt), ErrSinkClosed)
	require.Empty(t, collector.Events())
}
