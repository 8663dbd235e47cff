package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/riverrelay/dialogworker/ports"
)

const counterWindow = 24 * time.Hour

// Counter is the underlying per-user counter gate a Toggle wraps: a plain
// KV-backed increment-and-compare with a 24h TTL and no flag awareness of
// its own.
type Counter struct {
	kv    ports.KV
	limit int
}

// NewCounter constructs a Counter. limit is the number of allowed hits per
// (userId, scope) before CheckAndIncrement starts returning RateLimitLimit.
// Each counted hit rewrites the key with a fresh 24h TTL, so the count lapses
// 24h after the last counted hit.
func NewCounter(kv ports.KV, limit int) *Counter {
	if limit <= 0 {
		limit = 20
	}
	return &Counter{kv: kv, limit: limit}
}

var _ ports.RateLimit = (*Counter)(nil)

// CheckAndIncrement atomically bumps the counter for (userId, scope). On any
// KV infrastructure failure it degrades to ok rather than blocking traffic.
func (c *Counter) CheckAndIncrement(ctx context.Context, userID, scope string) (ports.RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit-counter:%s:%s", scope, userID)

	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return ports.RateLimitOK, err
	}

	count := 0
	if found {
		count, err = strconv.Atoi(raw)
		if err != nil {
			count = 0
		}
	}

	if count >= c.limit {
		return ports.RateLimitLimit, nil
	}

	count++
	if err := c.kv.Set(ctx, key, strconv.Itoa(count), counterWindow); err != nil {
		return ports.RateLimitOK, err
	}
	return ports.RateLimitOK, nil
}
