// Package aiqueue implements the bounded-concurrency, retrying request
// arbiter in front of the LLM endpoint: a FIFO admit gate bounds concurrent
// replies, a per-request deadline is subdivided across attempts, and
// retryable failures are retried with jittered exponential backoff and
// endpoint failover across a configured list of base URLs.
package aiqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
)

// Request is the per-call payload handed to an Endpoint attempt.
type Request struct {
	UserID       string
	Text         string
	History      []chatmodel.ConversationTurn
	LanguageCode string
}

// Response is a successful endpoint attempt's result.
type Response struct {
	Text      string
	RequestID string
}

// CallError is returned by an Endpoint attempt that reached the upstream and
// got back a non-2xx response, or failed in transport (Status == 0).
type CallError struct {
	Status      int
	Description string
	RequestID   string
	RetryAfter  time.Duration
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return "transport error: " + e.Description
	}
	return "upstream status " + itoa(e.Status) + ": " + e.Description
}

// Retryable reports whether the failure class may be retried: network
// errors, 429, and 5xx. Any other 4xx is non-retryable.
func (e *CallError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Endpoint performs a single attempt against one base URL. The queue owns
// retry scheduling, backoff, and endpoint failover; Endpoint implementations
// only need to make one call and classify the outcome.
type Endpoint interface {
	Call(ctx context.Context, baseURL string, req Request) (Response, error)
}

// Clock abstracts wall-clock reads and sleeps so backoff timing is
// deterministic in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config parameterizes the queue. ConfigSource records where these values
// came from (kv|env|default) for the diagnostics surface.
type Config struct {
	MaxConcurrency            int
	MaxQueueSize              int
	RequestTimeout            time.Duration
	RetryMax                  int
	BaseURLs                  []string
	EndpointFailoverThreshold int
	BaseDelay                 time.Duration
	ConfigSource              string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 32
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 2
	}
	if c.EndpointFailoverThreshold <= 0 {
		c.EndpointFailoverThreshold = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.ConfigSource == "" {
		c.ConfigSource = "default"
	}
	return c
}

// Queue is the concrete AI port: a bounded-concurrency, retrying, endpoint-
// failing-over arbiter in front of an Endpoint.
type Queue struct {
	cfg      Config
	endpoint Endpoint
	clock    Clock
	jitter   func() float64

	sem     *semaphore.Weighted
	waiting atomic.Int64

	mu               sync.Mutex
	active           int
	droppedSinceBoot int64
	lastDropAt       time.Time
	waitSamples      int64
	waitTotalMs      int64
}

// New constructs a Queue. jitter, if nil, defaults to a value in [0, 0.1)
// derived from the wall clock's nanoseconds; pass a deterministic source in
// tests.
func New(cfg Config, endpoint Endpoint, clock Clock, jitter func() float64) *Queue {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = realClock{}
	}
	if jitter == nil {
		jitter = defaultJitter
	}
	return &Queue{
		cfg:      cfg,
		endpoint: endpoint,
		clock:    clock,
		jitter:   jitter,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

var _ ports.AI = (*Queue)(nil)
var _ ports.QueueStatsProvider = (*Queue)(nil)

// Reply admits, attempts, retries, and fails over per the queue's contract.
// It never converts AI_QUEUE_FULL/AI_QUEUE_TIMEOUT/AI_QUEUE_DROPPED into a
// generic error: callers branch on errors.As against errs types.
func (q *Queue) Reply(ctx context.Context, userID, text string, history []chatmodel.ConversationTurn, languageCode string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	defer cancel()

	if !q.tryReserveSlot() {
		q.recordDrop()
		return "", &errs.AIQueueFullError{MaxQueueSize: q.cfg.MaxQueueSize}
	}
	defer q.waiting.Add(-1)

	waitStart := q.clock.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return "", &errs.AIQueueTimeoutError{WaitedMs: q.clock.Now().Sub(waitStart).Milliseconds()}
	}
	q.recordAdmit(q.clock.Now().Sub(waitStart))
	defer q.release()

	req := Request{UserID: userID, Text: text, History: history, LanguageCode: languageCode}
	resp, err := q.attempt(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &errs.AIQueueTimeoutError{WaitedMs: q.cfg.RequestTimeout.Milliseconds()}
		}
		return "", err
	}
	return resp.Text, nil
}

// GetQueueStats implements ports.QueueStatsProvider.
func (q *Queue) GetQueueStats() ports.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg int64
	if q.waitSamples > 0 {
		avg = q.waitTotalMs / q.waitSamples
	}
	return ports.QueueStats{
		Active:           q.active,
		Queued:           int(q.waiting.Load()) - q.active,
		MaxConcurrency:   q.cfg.MaxConcurrency,
		MaxQueue:         q.cfg.MaxQueueSize,
		DroppedSinceBoot: q.droppedSinceBoot,
		AvgWaitMs:        avg,
		LastDropAt:       q.lastDropAt,
		ConfigSource:     q.cfg.ConfigSource,
	}
}

func (q *Queue) tryReserveSlot() bool {
	for {
		cur := q.waiting.Load()
		if int(cur) >= q.cfg.MaxQueueSize {
			return false
		}
		if q.waiting.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (q *Queue) recordDrop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.droppedSinceBoot++
	q.lastDropAt = q.clock.Now()
}

func (q *Queue) recordAdmit(wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active++
	q.waitSamples++
	q.waitTotalMs += wait.Milliseconds()
}

func (q *Queue) release() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.sem.Release(1)
}

// attempt runs the retry/failover loop for one admitted request.
func (q *Queue) attempt(ctx context.Context, req Request) (Response, error) {
	endpointIdx := 0
	consecutiveFailures := 0

	var lastErr error
	for attempt := 0; attempt <= q.cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}

		baseURL := q.cfg.BaseURLs[endpointIdx%len(q.cfg.BaseURLs)]
		resp, err := q.endpoint.Call(ctx, baseURL, req)
		if err == nil {
			return resp, nil
		}

		var callErr *CallError
		if !errors.As(err, &callErr) {
			callErr = &CallError{Status: 0, Description: err.Error()}
		}

		if !callErr.Retryable() {
			return Response{}, &errs.AINonTwoXXError{
				Status:      callErr.Status,
				Description: callErr.Description,
				RequestID:   callErr.RequestID,
			}
		}

		lastErr = &errs.AINonTwoXXError{Status: callErr.Status, Description: callErr.Description, RequestID: callErr.RequestID}
		consecutiveFailures++
		if consecutiveFailures >= q.cfg.EndpointFailoverThreshold && len(q.cfg.BaseURLs) > 1 {
			endpointIdx++
			consecutiveFailures = 0
		}

		if attempt == q.cfg.RetryMax {
			break
		}

		delay := backoffDelay(q.cfg.BaseDelay, attempt, q.jitter())
		if callErr.RetryAfter > delay {
			delay = callErr.RetryAfter
		}
		if err := q.clock.Sleep(ctx, delay); err != nil {
			return Response{}, ctx.Err()
		}
	}
	return Response{}, lastErr
}

// backoffDelay computes base*2^attempt*(1+jitter).
func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	mult := 1 << attempt
	return time.Duration(float64(base) * float64(mult) * (1 + jitter))
}

func defaultJitter() float64 {
	return float64(time.Now().UnixNano()%1000) / 10000.0
}
