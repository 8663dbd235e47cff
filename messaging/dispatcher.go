// Package messaging implements the Messaging Dispatcher: a unified retry
// controller wrapping a platform-specific RawSender, with text chunking,
// control-character sanitization, and swallow-vs-surface error semantics
// that differ by operation.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf16"

	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
)

const maxChunkCodeUnits = 4096

// SendResult is a successful raw send's outcome.
type SendResult struct {
	MessageID string
}

// StatusError carries the upstream status/description/retry-after hint for
// one raw send attempt, letting the dispatcher classify retryability without
// string matching.
type StatusError struct {
	Status      int
	Description string
	RetryAfter  time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Description)
}

// Retryable reports whether the failure class may be retried: network
// errors (Status == 0), 429, and 5xx. Any other 4xx is non-retryable.
func (e *StatusError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// RawSender performs one attempt per operation against the concrete chat
// platform. The dispatcher owns retry scheduling; RawSender implementations
// only need to make one call and classify the outcome via StatusError.
type RawSender interface {
	SendTyping(ctx context.Context, chat ports.Chat) error
	SendText(ctx context.Context, chat ports.Chat, text string) (SendResult, error)
	EditMessageText(ctx context.Context, chat ports.Chat, messageID, text string) error
	DeleteMessage(ctx context.Context, chat ports.Chat, messageID string) error
}

// Clock abstracts wall-clock reads and sleeps so retry timing is
// deterministic in tests.
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

// Dispatcher is the concrete ports.Messaging implementation.
type Dispatcher struct {
	raw        RawSender
	maxRetries int
	baseDelay  time.Duration
	clock      Clock
	jitter     func() float64
}

// New constructs a Dispatcher. jitter, if nil, uses a time-seeded source;
// pass a deterministic function in tests.
func New(raw RawSender, maxRetries int, baseDelay time.Duration, clock Clock, jitter func() float64) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if clock == nil {
		clock = realClock{}
	}
	if jitter == nil {
		jitter = defaultJitter
	}
	return &Dispatcher{raw: raw, maxRetries: maxRetries, baseDelay: baseDelay, clock: clock, jitter: jitter}
}

var (
	_ ports.Messaging      = (*Dispatcher)(nil)
	_ ports.DocumentSender = (*Dispatcher)(nil)
)

// SendTyping swallows errors after exhausting retries: it logs and returns
// nil in every case, matching the best-effort contract.
func (d *Dispatcher) SendTyping(ctx context.Context, chat ports.Chat) error {
	if err := requireStringIDs(chat); err != nil {
		return nil
	}
	_, err := d.runWithRetry(ctx, "sendTyping", func() (SendResult, error) {
		return SendResult{}, d.raw.SendTyping(ctx, chat)
	})
	if err != nil {
		slog.Warn("sendTyping failed after retries, swallowing", "chatId", chat.ID, "error", err)
	}
	return nil
}

// SendText sanitizes and chunks text, sending chunks in order and stopping
// at the first chunk failure. It surfaces errors after exhausting retries.
func (d *Dispatcher) SendText(ctx context.Context, chat ports.Chat, text string) (string, error) {
	if err := requireStringIDs(chat); err != nil {
		return "", err
	}

	sanitized := sanitize(text)
	chunks := splitIntoChunks(sanitized, maxChunkCodeUnits)
	if len(chunks) > 1 {
		slog.Warn("sendText split into multiple chunks", "chatId", chat.ID, "chunks", len(chunks))
	}

	var firstMessageID string
	for i, chunk := range chunks {
		result, err := d.runWithRetry(ctx, "sendText", func() (SendResult, error) {
			return d.raw.SendText(ctx, chat, chunk)
		})
		if err != nil {
			return "", err
		}
		if i == 0 {
			firstMessageID = result.MessageID
		}
	}
	return firstMessageID, nil
}

// EditMessageText retries like SendText; "already deleted" is treated as
// success by the concrete adapter, not here.
func (d *Dispatcher) EditMessageText(ctx context.Context, chat ports.Chat, messageID, text string) error {
	if err := requireStringIDs(chat); err != nil {
		return err
	}
	_, err := d.runWithRetry(ctx, "editMessageText", func() (SendResult, error) {
		return SendResult{}, d.raw.EditMessageText(ctx, chat, messageID, sanitize(text))
	})
	return err
}

// DeleteMessage retries like SendText.
func (d *Dispatcher) DeleteMessage(ctx context.Context, chat ports.Chat, messageID string) error {
	if err := requireStringIDs(chat); err != nil {
		return err
	}
	_, err := d.runWithRetry(ctx, "deleteMessage", func() (SendResult, error) {
		return SendResult{}, d.raw.DeleteMessage(ctx, chat, messageID)
	})
	return err
}

// SendDocument forwards to the raw sender's document-upload capability,
// retrying like SendText. It implements ports.DocumentSender so the admin
// export pipeline can upload through the same retrying dispatcher every
// other outbound call goes through, instead of bypassing it.
func (d *Dispatcher) SendDocument(ctx context.Context, chat ports.Chat, filename string, data []byte) (string, error) {
	docSender, ok := d.raw.(ports.DocumentSender)
	if !ok {
		return "", fmt.Errorf("messaging: raw sender does not support document upload")
	}
	if err := requireStringIDs(chat); err != nil {
		return "", err
	}

	result, err := d.runWithRetry(ctx, "sendDocument", func() (SendResult, error) {
		messageID, err := docSender.SendDocument(ctx, chat, filename, data)
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{MessageID: messageID}, nil
	})
	if err != nil {
		return "", err
	}
	return result.MessageID, nil
}

func requireStringIDs(chat ports.Chat) error {
	if chat.ID == "" {
		return &errs.InvalidIDError{Field: "chatId", Value: chat.ID}
	}
	return nil
}

// runWithRetry runs the unified attempt controller: up to maxRetries
// attempts, waiting max(base*2^attempt*(1+0.2*jitter), retryAfterHint)
// between attempts.
func (d *Dispatcher) runWithRetry(ctx context.Context, operation string, fn func() (SendResult, error)) (SendResult, error) {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		statusErr, ok := err.(*StatusError)
		if !ok {
			statusErr = &StatusError{Status: 0, Description: err.Error()}
		}
		if !statusErr.Retryable() {
			return SendResult{}, statusErr
		}
		lastErr = statusErr

		if attempt == d.maxRetries {
			break
		}

		delay := backoffDelay(d.baseDelay, attempt, d.jitter())
		if statusErr.RetryAfter > delay {
			delay = statusErr.RetryAfter
		}
		if sleepErr := d.clock.Sleep(ctx, delay); sleepErr != nil {
			return SendResult{}, sleepErr
		}
	}
	slog.Warn("messaging operation exhausted retries", "operation", operation, "error", lastErr)
	return SendResult{}, lastErr
}

func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	mult := 1 << attempt
	return time.Duration(float64(base) * float64(mult) * (1 + 0.2*jitter))
}

func defaultJitter() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// sanitize strips C0 control characters from text before it is sent.
func sanitize(text string) string {
	runes := []rune(text)
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if r <= 0x1F {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// splitIntoChunks splits text into chunks of at most maxUnits UTF-16 code
// units, matching the chat platform's length limit semantics. An empty
// input returns a single empty chunk so callers still issue one request.
func splitIntoChunks(text string, maxUnits int) []string {
	units := utf16.Encode([]rune(text))
	if len(units) == 0 {
		return []string{""}
	}

	var chunks []string
	for start := 0; start < len(units); start += maxUnits {
		end := start + maxUnits
		if end > len(units) {
			end = len(units)
		}
		chunks = append(chunks, string(utf16.Decode(units[start:end])))
	}
	return chunks
}
