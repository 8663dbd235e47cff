// Package storagectl implements the Storage Retry Controller: a
// ports.Storage realization that classifies a concrete SQL driver's errors
// into retryable/non-retryable, applies an exponential backoff schedule, and
// runs the utm_source schema-drift degrade/re-enable state machine described
// for saveUser.
package storagectl

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/ports"
)

const defaultUTMRecheckInterval = 20

// RawStore is the narrow SQL-shaped surface a concrete driver implements.
// The controller owns retry/backoff/degradation; RawStore performs one
// attempt per call and returns the driver's raw error unwrapped.
type RawStore interface {
	UpsertUserWithUTM(ctx context.Context, profile chatmodel.UserProfile) error
	UpsertUserWithoutUTM(ctx context.Context, profile chatmodel.UserProfile) error
	HasUTMColumn(ctx context.Context) (bool, error)

	FindMessageByMetadata(ctx context.Context, userID string, canonicalMetadata []byte) (found bool, err error)
	InsertMessage(ctx context.Context, msg chatmodel.StoredMessage) error

	QueryRecentMessagesDesc(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error)
}

// Clock abstracts sleeping between retry attempts.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

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

// backoffSchedule is the geometric delay sequence applied between attempts;
// the final entry repeats for any attempt beyond its length.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	140 * time.Millisecond,
	480 * time.Millisecond,
	480 * time.Millisecond,
	480 * time.Millisecond,
}

func scheduledDelay(attempt int, jitter float64) time.Duration {
	idx := attempt
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	base := backoffSchedule[idx]
	return time.Duration(float64(base) * (1 + 0.2*jitter))
}

// nonRetryableSubstrings classifies a storage error as non-retryable when
// its message contains any of these fragments, case-insensitive. The
// utm_source missing-column case is intercepted separately by saveUser
// before this classifier runs.
var nonRetryableSubstrings = []string{
	"sqlite_constraint",
	"constraint failed",
	"no such table",
	"no such column",
	"has no column named",
	"syntax error",
	"wrong number of arguments",
	"malformed",
	"schema",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryableSubstrings {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	return true
}

// isMissingUTMColumn matches both SQLite phrasings of a missing utm_source
// column: "no such column: utm_source" and, for an INSERT column list,
// "table users has no column named utm_source".
func isMissingUTMColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such column: utm_source") || strings.Contains(msg, "has no column named utm_source")
}

// MetricsRecorder is the optional observability hook the controller reports
// retry attempts and degradation transitions through.
type MetricsRecorder interface {
	IncStorageRetry(operation string)
	SetUTMDegraded(degraded bool)
}

type noopMetrics struct{}

func (noopMetrics) IncStorageRetry(string) {}
func (noopMetrics) SetUTMDegraded(bool)    {}

// Config configures the controller.
type Config struct {
	MaxAttempts           int
	UTMColumnRecheckEvery int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.UTMColumnRecheckEvery <= 0 {
		c.UTMColumnRecheckEvery = defaultUTMRecheckInterval
	}
	return c
}

// Controller is the concrete ports.Storage.
type Controller struct {
	cfg     Config
	raw     RawStore
	clock   Clock
	jitter  func() float64
	metrics MetricsRecorder

	mu             sync.Mutex
	utmDisabled    bool
	recheckCounter int
}

// New constructs a Controller. clock/jitter/metrics default to production
// behavior when nil.
func New(cfg Config, raw RawStore, clock Clock, jitter func() float64, metrics MetricsRecorder) *Controller {
	if clock == nil {
		clock = realClock{}
	}
	if jitter == nil {
		jitter = defaultJitter
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Controller{cfg: cfg.withDefaults(), raw: raw, clock: clock, jitter: jitter, metrics: metrics}
}

var _ ports.Storage = (*Controller)(nil)

func defaultJitter() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// SaveUser runs the retry loop for the degradation-aware upsert, then
// advances the recheck counter and probes the schema when due.
func (c *Controller) SaveUser(ctx context.Context, profile chatmodel.UserProfile) (ports.SaveUserResult, error) {
	c.mu.Lock()
	degraded := c.utmDisabled
	c.mu.Unlock()

	err := c.retryLoop(ctx, "saveUser", func() error {
		return c.saveUserAttempt(ctx, profile)
	})

	c.mu.Lock()
	degraded = c.utmDisabled
	if degraded {
		c.recheckCounter++
		if c.recheckCounter >= c.cfg.UTMColumnRecheckEvery {
			c.recheckCounter = 0
			restored, probeErr := c.raw.HasUTMColumn(ctx)
			if probeErr == nil && restored {
				c.utmDisabled = false
				degraded = false
				slog.Info("column restored, re-enabling usage", "column", "utm_source")
				c.metrics.SetUTMDegraded(false)
			}
		}
	}
	c.mu.Unlock()

	return ports.SaveUserResult{UTMDegraded: degraded}, err
}

// saveUserAttempt performs one upsert attempt, transparently falling back to
// the utm-less statement the first time the column is found missing.
func (c *Controller) saveUserAttempt(ctx context.Context, profile chatmodel.UserProfile) error {
	c.mu.Lock()
	disabled := c.utmDisabled
	c.mu.Unlock()

	if !disabled {
		err := c.raw.UpsertUserWithUTM(ctx, profile)
		if err == nil {
			return nil
		}
		if isMissingUTMColumn(err) {
			c.mu.Lock()
			c.utmDisabled = true
			c.mu.Unlock()
			slog.Warn("disabling usage", "column", "utm_source")
			c.metrics.SetUTMDegraded(true)
		} else {
			return err
		}
	}
	return c.raw.UpsertUserWithoutUTM(ctx, profile)
}

// AppendMessage skips insertion when an equal canonicalized-metadata row
// already exists for the user.
func (c *Controller) AppendMessage(ctx context.Context, msg chatmodel.StoredMessage) error {
	canonical := msg.Metadata
	if len(canonical) == 0 {
		empty, err := chatmodel.CanonicalizeMetadata(nil)
		if err != nil {
			return errors.Wrap(err, "canonicalize metadata")
		}
		canonical = empty
	}

	return c.retryLoop(ctx, "appendMessage", func() error {
		found, err := c.raw.FindMessageByMetadata(ctx, msg.UserID, canonical)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return c.raw.InsertMessage(ctx, msg)
	})
}

// GetRecentMessages returns the most recent limit messages ascending by
// timestamp, or an empty list on exhausted retries.
func (c *Controller) GetRecentMessages(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error) {
	var result []chatmodel.StoredMessage
	err := c.retryLoop(ctx, "getRecentMessages", func() error {
		msgs, err := c.raw.QueryRecentMessagesDesc(ctx, userID, limit)
		if err != nil {
			return err
		}
		result = reverse(msgs)
		return nil
	})
	if err != nil {
		slog.Error("failed to load recent messages", "userId", userID, "error", err)
		return []chatmodel.StoredMessage{}, nil
	}
	return result, nil
}

func reverse(msgs []chatmodel.StoredMessage) []chatmodel.StoredMessage {
	out := make([]chatmodel.StoredMessage, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// retryLoop runs fn up to MaxAttempts times, classifying errors with
// isRetryable and sleeping on the backoff schedule between attempts.
func (c *Controller) retryLoop(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		c.metrics.IncStorageRetry(operation)

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		delay := scheduledDelay(attempt, c.jitter())
		if sleepErr := c.clock.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	slog.Error("exhausted retries", "operation", operation, "error", lastErr)
	return lastErr
}
