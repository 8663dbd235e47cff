package aiqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrelay/dialogworker/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func noJitter() float64 { return 0 }

type scriptedEndpoint struct {
	mu    sync.Mutex
	calls []string
	fn    func(callIndex int, baseURL string) (Response, error)
}

func (e *scriptedEndpoint) Call(_ context.Context, baseURL string, _ Request) (Response, error) {
	e.mu.Lock()
	idx := len(e.calls)
	e.calls = append(e.calls, baseURL)
	e.mu.Unlock()
	return e.fn(idx, baseURL)
}

func TestQueue_Reply_Success(t *testing.T) {
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) {
		return Response{Text: "hello"}, nil
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 1, RetryMax: 1, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	text, err := q.Reply(context.Background(), "u1", "hi", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestQueue_Reply_RetriesThenSucceeds(t *testing.T) {
	ep := &scriptedEndpoint{fn: func(idx int, _ string) (Response, error) {
		if idx < 2 {
			return Response{}, &CallError{Status: 500, Description: "boom"}
		}
		return Response{Text: "ok"}, nil
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 1, RetryMax: 3, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	text, err := q.Reply(context.Background(), "u1", "hi", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Len(t, ep.calls, 3)
}

func TestQueue_Reply_NonRetryableFailsImmediately(t *testing.T) {
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) {
		return Response{}, &CallError{Status: 400, Description: "bad request"}
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 1, RetryMax: 3, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	_, err := q.Reply(context.Background(), "u1", "hi", nil, "en")
	require.Error(t, err)
	var nonTwoXX *errs.AINonTwoXXError
	require.ErrorAs(t, err, &nonTwoXX)
	assert.Equal(t, 400, nonTwoXX.Status)
	assert.Len(t, ep.calls, 1, "non-retryable failures must not be retried")
}

func TestQueue_Reply_EndpointFailoverAfterThreshold(t *testing.T) {
	ep := &scriptedEndpoint{fn: func(idx int, baseURL string) (Response, error) {
		if baseURL == "https://a" {
			return Response{}, &CallError{Status: 500, Description: "a down"}
		}
		return Response{Text: "from-b"}, nil
	}}
	q := New(Config{
		MaxConcurrency:            1,
		MaxQueueSize:              1,
		RetryMax:                  5,
		BaseURLs:                  []string{"https://a", "https://b"},
		EndpointFailoverThreshold: 2,
	}, ep, newFakeClock(), noJitter)

	text, err := q.Reply(context.Background(), "u1", "hi", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "from-b", text)
	assert.Equal(t, []string{"https://a", "https://a", "https://b"}, ep.calls)
}

func TestQueue_Reply_QueueFullRejectsImmediately(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) {
		close(block)
		<-release
		return Response{Text: "done"}, nil
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 1, RetryMax: 0, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Reply(context.Background(), "u1", "hi", nil, "en")
	}()
	<-block

	_, err := q.Reply(context.Background(), "u2", "hi", nil, "en")
	require.Error(t, err)
	var full *errs.AIQueueFullError
	require.ErrorAs(t, err, &full)

	close(release)
	wg.Wait()
}

func TestQueue_Reply_TimeoutWhileWaitingForAdmit(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) {
		close(block)
		<-release
		return Response{Text: "done"}, nil
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 2, RetryMax: 0, RequestTimeout: time.Hour, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Reply(context.Background(), "u1", "hi", nil, "en")
	}()
	<-block

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Reply(ctx, "u2", "hi", nil, "en")
	require.Error(t, err)
	var timeout *errs.AIQueueTimeoutError
	require.ErrorAs(t, err, &timeout)

	close(release)
	wg.Wait()
}

func TestQueue_GetQueueStats(t *testing.T) {
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) { return Response{Text: "ok"}, nil }}
	q := New(Config{MaxConcurrency: 2, MaxQueueSize: 5, BaseURLs: []string{"https://a"}, ConfigSource: "kv"}, ep, newFakeClock(), noJitter)

	_, err := q.Reply(context.Background(), "u1", "hi", nil, "en")
	require.NoError(t, err)

	stats := q.GetQueueStats()
	assert.Equal(t, 2, stats.MaxConcurrency)
	assert.Equal(t, 5, stats.MaxQueue)
	assert.Equal(t, "kv", stats.ConfigSource)
	assert.Equal(t, 0, stats.Active)
}

func TestQueue_PermitsAlwaysReleased(t *testing.T) {
	var calls atomic.Int64
	ep := &scriptedEndpoint{fn: func(int, string) (Response, error) {
		calls.Add(1)
		return Response{}, &CallError{Status: 400, Description: "bad"}
	}}
	q := New(Config{MaxConcurrency: 1, MaxQueueSize: 1, RetryMax: 0, BaseURLs: []string{"https://a"}}, ep, newFakeClock(), noJitter)

	for i := 0; i < 5; i++ {
		_, _ = q.Reply(context.Background(), "u1", "hi", nil, "en")
	}
	stats := q.GetQueueStats()
	assert.Equal(t, 0, stats.Active, "every permit must be released even on failure")
	assert.EqualValues(t, 5, calls.Load())
}
