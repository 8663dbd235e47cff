// Package errs defines the typed error taxonomy shared across the AI queue,
// messaging dispatcher, and webhook decoder so callers can branch with
// errors.As/errors.Is instead of matching error strings.
package errs

import "fmt"

// AIQueueFullError is returned when the AI Queue's wait list is already at
// maxQueueSize and a new request cannot be admitted.
type AIQueueFullError struct {
	MaxQueueSize int
}

func (e *AIQueueFullError) Error() string {
	return fmt.Sprintf("AI_QUEUE_FULL: queue at capacity (%d)", e.MaxQueueSize)
}

// AIQueueTimeoutError is returned when a waiter's deadline elapses before a
// permit is admitted, or the per-request budget is exceeded mid-attempt.
type AIQueueTimeoutError struct {
	WaitedMs int64
}

func (e *AIQueueTimeoutError) Error() string {
	return fmt.Sprintf("AI_QUEUE_TIMEOUT: waited %dms", e.WaitedMs)
}

// AIQueueDroppedError marks a request that was rejected without ever being
// attempted (distinct from AIQueueFullError to preserve the admit-site reason).
type AIQueueDroppedError struct{}

func (e *AIQueueDroppedError) Error() string { return "AI_QUEUE_DROPPED" }

// AINonTwoXXError carries the upstream status/description/request id for a
// non-retryable LLM response.
type AINonTwoXXError struct {
	Status      int
	Description string
	RequestID   string
}

func (e *AINonTwoXXError) Error() string {
	return fmt.Sprintf("AI_NON_2XX: status=%d description=%s requestId=%s", e.Status, e.Description, e.RequestID)
}

// InvalidIDError marks a chat/thread/message identifier that reached an
// adapter boundary as a non-string value, which is a configuration error.
type InvalidIDError struct {
	Field string
	Value any
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid-id: field %s has non-string value %v", e.Field, e.Value)
}

// UnsafeTelegramIDError marks a webhook snapshot whose chatIdRaw/chatIdUsed
// descriptor was not a string, failing the integrity gate before processing.
type UnsafeTelegramIDError struct {
	Field string
}

func (e *UnsafeTelegramIDError) Error() string {
	return fmt.Sprintf("UNSAFE_TELEGRAM_ID: %s", e.Field)
}

// HTTPStatusError carries the status code a route handler should surface,
// used by the admin export pipeline to signal 400 (bad request) and 502
// (upstream/document-upload failure) without importing the HTTP layer.
type HTTPStatusError struct {
	Status  int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}
