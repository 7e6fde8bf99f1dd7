package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/rewind/runtime/model"
)

type (
	fakeModelClient struct {
		err   error
		calls int
	}

	fakeStreamer struct{}

	fakeClusterMap struct {
		mu   sync.Mutex
		data map[string]string
		ch   chan rmap.EventKind
	}
)

func (c *fakeModelClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return fakeStreamer{}, nil
}

func (fakeStreamer) Recv() (model.Chunk, error) { return model.Chunk{}, nil }
func (fakeStreamer) Close() error               { return nil }

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{data: make(map[string]string), ch: make(chan rmap.EventKind, 8)}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.data[key]
	if prev == test {
		m.data[key] = value
	}
	return prev, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (l *AdaptiveRateLimiter) tpm() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func TestEstimateTokensMinimum(t *testing.T) {
	require.Equal(t, 500, estimateTokens(model.Request{}))
}

func TestEstimateTokensCountsTranscript(t *testing.T) {
	req := model.Request{Messages: []*model.Message{
		{Role: "user", Content: "012345678901234567890123456789"},
		{Role: "assistant", ToolCalls: []model.ToolCallRequest{
			{ID: "call-1", Input: json.RawMessage(`{"q":"x"}`)},
		}},
		{Role: "tool", ToolResult: &model.ToolResult{
			ToolCallID: "call-1",
			Content:    json.RawMessage(`{"temp":21}`),
		}},
	}}
	// 30 + 9 + 11 characters at one token per three characters, plus the
	// fixed 500 token buffer.
	require.Equal(t, 50/3+500, estimateTokens(req))
}

func TestMiddlewareNilNext(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	require.Nil(t, l.Middleware()(nil))
}

func TestStreamDelegatesOnSuccess(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	next := &fakeModelClient{}
	client := l.Middleware()(next)

	stream, err := client.Stream(context.Background(), model.Request{})
	require.NoError(t, err)
	require.NotNil(t, stream)
	require.Equal(t, 1, next.calls)
}

func TestBackoffHalvesBudget(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	next := &fakeModelClient{err: model.ErrRateLimited}
	client := l.Middleware()(next)

	_, err := client.Stream(context.Background(), model.Request{})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 3000.0, l.tpm())

	_, err = client.Stream(context.Background(), model.Request{})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 1500.0, l.tpm())
}

func TestBackoffClampsAtFloor(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	for i := 0; i < 10; i++ {
		l.backoff()
	}
	require.Equal(t, 600.0, l.tpm())
}

func TestProbeRecoversAfterBackoff(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	l.backoff()
	require.Equal(t, 3000.0, l.tpm())

	next := &fakeModelClient{}
	client := l.Middleware()(next)
	_, err := client.Stream(context.Background(), model.Request{})
	require.NoError(t, err)
	// Additive recovery by five percent of the initial budget.
	require.Equal(t, 3300.0, l.tpm())
}

func TestProbeClampsAtCeiling(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 6100)
	l.probe()
	require.Equal(t, 6100.0, l.tpm())
	l.probe()
	require.Equal(t, 6100.0, l.tpm())
}

func TestNonRateLimitErrorLeavesBudget(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	next := &fakeModelClient{err: errors.New("boom")}
	client := l.Middleware()(next)

	_, err := client.Stream(context.Background(), model.Request{})
	require.EqualError(t, err, "boom")
	require.Equal(t, 6000.0, l.tpm())
}

func TestWaitRejectsOversizedRequest(t *testing.T) {
	// The minimal 500 token estimate exceeds the burst of a 60 TPM limiter,
	// so the wait fails instead of blocking forever.
	l := newAdaptiveRateLimiter(60, 60)
	next := &fakeModelClient{}
	client := l.Middleware()(next)

	_, err := client.Stream(context.Background(), model.Request{})
	require.Error(t, err)
	require.Equal(t, 0, next.calls)
}

func TestDefaultBudget(t *testing.T) {
	l := newAdaptiveRateLimiter(0, 0)
	require.Equal(t, 60000.0, l.tpm())
}

func TestClusterSeedsSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 6000, 12000)
	require.Equal(t, 6000.0, l.tpm())
	v, ok := m.Get("budget")
	require.True(t, ok)
	require.Equal(t, "6000", v)
}

func TestClusterAdoptsExistingBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.set("budget", "3000")
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 6000, 12000)
	require.Equal(t, 3000.0, l.tpm())
}

func TestClusterBackoffPropagates(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 6000, 12000)
	next := &fakeModelClient{err: model.ErrRateLimited}
	client := l.Middleware()(next)

	_, err := client.Stream(context.Background(), model.Request{})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 3000.0, l.tpm())

	require.Eventually(t, func() bool {
		v, _ := m.Get("budget")
		return v == "3000"
	}, time.Second, 5*time.Millisecond)
}

func TestClusterReconcilesFromSubscription(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 6000, 12000)

	m.set("budget", strconv.Itoa(9000))
	m.ch <- rmap.EventChange

	require.Eventually(t, func() bool {
		return l.tpm() == 9000.0
	}, time.Second, 5*time.Millisecond)
}

func TestClusterFallsBackWithoutKey(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "", 6000, 12000)
	require.Equal(t, 6000.0, l.tpm())
	// No shared state touched.
	_, ok := m.Get("")
	require.False(t, ok)
}
