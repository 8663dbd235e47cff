// Package ports defines the narrow capability interfaces the dialog engine
// consumes. Callers never depend on a port's concrete identity; optional
// behavior is exposed through separate capability interfaces queried with a
// type assertion, mirroring the ChatChannel/MediaHandler split the Telegram
// plugin used before this package replaced it.
package ports

import (
	"context"
	"time"

	"github.com/riverrelay/dialogworker/chatmodel"
)

// Chat identifies a conversation target.
type Chat struct {
	ID       string
	ThreadID string
}

// Messaging is the outbound send surface toward the chat platform.
type Messaging interface {
	// SendTyping is best-effort: it never returns an error to the caller.
	// Recoverable failures are logged and swallowed.
	SendTyping(ctx context.Context, chat Chat) error

	// SendText retries with exponential backoff + jitter, honoring any
	// server retry-after hint. On final failure it returns an error. It
	// sanitizes control characters and splits long text into chunks,
	// returning the message id of the first chunk sent.
	SendText(ctx context.Context, chat Chat, text string) (messageID string, err error)

	EditMessageText(ctx context.Context, chat Chat, messageID, text string) error
	DeleteMessage(ctx context.Context, chat Chat, messageID string) error
}

// QueueStats is the diagnostic surface an AI adapter may optionally expose.
type QueueStats struct {
	Active           int
	Queued           int
	MaxConcurrency   int
	MaxQueue         int
	DroppedSinceBoot int64
	AvgWaitMs        int64
	LastDropAt       time.Time
	ConfigSource     string
}

// QueueStatsProvider is an optional capability of an AI port, queried with a
// type assertion rather than being part of the AI interface itself.
type QueueStatsProvider interface {
	GetQueueStats() QueueStats
}

// AI is the reply-generation surface. Implementations own their own
// concurrency bounding, retry, and endpoint failover.
type AI interface {
	// Reply has an overall deadline of <= 20s including retries. On final
	// failure it returns an error carrying status/description metadata.
	// The returned text is non-empty and sanitized.
	Reply(ctx context.Context, userID, text string, history []chatmodel.ConversationTurn, languageCode string) (string, error)
}

// SaveUserResult reports whether a schema fallback degraded the write.
type SaveUserResult struct {
	UTMDegraded bool
}

// Storage is the persistence surface for users and messages.
type Storage interface {
	// SaveUser is atomic per userId.
	SaveUser(ctx context.Context, profile chatmodel.UserProfile) (SaveUserResult, error)

	// AppendMessage is idempotent under repeated calls with identical
	// canonicalized metadata.
	AppendMessage(ctx context.Context, msg chatmodel.StoredMessage) error

	// GetRecentMessages returns at most limit entries, ascending by
	// timestamp. On backend failure it returns an empty list and logs.
	GetRecentMessages(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error)
}

// RateLimitResult is the outcome of a gate check.
type RateLimitResult string

const (
	RateLimitOK    RateLimitResult = "ok"
	RateLimitLimit RateLimitResult = "limit"
)

// RateLimit is the per-user counter gate. On infrastructure failure it
// degrades to RateLimitOK rather than blocking user traffic.
type RateLimit interface {
	CheckAndIncrement(ctx context.Context, userID string, scope string) (RateLimitResult, error)
}

// DocumentSender is an optional Messaging capability, queried with a type
// assertion, used only by the admin export pipeline to upload a CSV as a
// chat document.
type DocumentSender interface {
	SendDocument(ctx context.Context, chat Chat, filename string, data []byte) (messageID string, err error)
}

// Invalidator is an optional cache-invalidation capability, queried with a
// type assertion. Implemented by the admin whitelist cache and similar
// TTL-refreshed readers.
type Invalidator interface {
	Invalidate(key string)
}

// KV is the generic key-value port backing every persisted flag, cooldown,
// and telemetry record named in the external interface contract. The core
// never depends on a concrete SQL/KV engine, only on this port.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
