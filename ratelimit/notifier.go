package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverrelay/dialogworker/ports"
)

const staticFallbackText = "You're sending messages too quickly. Please wait a moment and try again."

// Notifier sends a user-visible rate-limit notice, formatting a floor-rounded
// TTL derived from the window. It keeps no record of earlier notices: every
// Notify call sends one, including repeated calls within the same window.
type Notifier struct {
	messaging ports.Messaging
	windowMs  int64
}

// NewNotifier constructs a Notifier for a fixed window length in
// milliseconds.
func NewNotifier(messaging ports.Messaging, windowMs int64) *Notifier {
	if windowMs <= 0 {
		windowMs = 60_000
	}
	return &Notifier{messaging: messaging, windowMs: windowMs}
}

// Notify sends the rate-limited message for chat, using nowMs to compute the
// remaining TTL in the current window. It reports handled=false (without
// returning an error) on any send failure so the caller can fall back to the
// static text.
func (n *Notifier) Notify(ctx context.Context, chat ports.Chat, nowMs int64) (handled bool) {
	remaining := n.windowMs - (nowMs % n.windowMs)
	text := fmt.Sprintf("Rate limit reached. Try again in %s.", formatTTL(remaining))

	if _, err := n.messaging.SendText(ctx, chat, text); err != nil {
		slog.Warn("rate limit notifier send failed", "chatId", chat.ID, "error", err)
		return false
	}
	return true
}

// StaticFallbackText is sent by the webhook layer when Notify reports
// handled=false.
func StaticFallbackText() string { return staticFallbackText }

// formatTTL floor-rounds a millisecond duration to hours/minutes/seconds,
// omitting zero-valued leading units.
func formatTTL(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
