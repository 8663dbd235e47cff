// Package ratelimit wraps a ports.RateLimit with a KV-backed on/off toggle
// and a user-facing rate-limit notifier, plus a per-user in-process token
// bucket (Toggle.AllowLocal) that the toggle itself does not consult.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riverrelay/dialogworker/cache"
	"github.com/riverrelay/dialogworker/ports"
)

const limitsEnabledKey = "LIMITS_ENABLED"

var disabledValues = map[string]struct{}{
	"0": {}, "false": {}, "off": {}, "no": {}, "disabled": {},
}

func isDisabledValue(v string) bool {
	_, disabled := disabledValues[strings.ToLower(strings.TrimSpace(v))]
	return disabled
}

// MetricsRecorder is the optional observability hook for toggle decisions.
type MetricsRecorder interface {
	RecordRateLimitCheck(result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRateLimitCheck(string) {}

// LocalBucketConfig configures the per-user in-process token bucket behind
// AllowLocal. CheckAndIncrement does not use it.
type LocalBucketConfig struct {
	RatePerSecond float64
	Burst         int
}

func (c LocalBucketConfig) withDefaults() LocalBucketConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Toggle wraps an underlying RateLimit with the LIMITS_ENABLED KV flag.
// Unknown/missing values and KV read failures both resolve to "enabled"
// being undeterminable; per spec, a KV read failure disables the *gate*
// (fails open) to avoid blocking user traffic, while the flag cache itself
// defaults to enabled when the key is simply absent.
type Toggle struct {
	underlying ports.RateLimit
	kv         ports.KV
	cache      *cache.LRUCache[string, bool]
	refresh    time.Duration
	localCfg   LocalBucketConfig
	metrics    MetricsRecorder

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New constructs a Toggle. refreshInterval is the TTL the flag value is
// cached for between KV reads.
func New(underlying ports.RateLimit, kv ports.KV, refreshInterval time.Duration, localCfg LocalBucketConfig, metrics MetricsRecorder) *Toggle {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Toggle{
		underlying: underlying,
		kv:         kv,
		cache:      cache.NewLRUCache[string, bool](1, refreshInterval),
		refresh:    refreshInterval,
		localCfg:   localCfg.withDefaults(),
		metrics:    metrics,
		buckets:    make(map[string]*rate.Limiter),
	}
}

var _ ports.RateLimit = (*Toggle)(nil)

// CheckAndIncrement consults the cached LIMITS_ENABLED flag; when the gate
// is disabled it always returns ok without touching the underlying limiter.
func (t *Toggle) CheckAndIncrement(ctx context.Context, userID, scope string) (ports.RateLimitResult, error) {
	if !t.gateEnabled(ctx, userID) {
		t.metrics.RecordRateLimitCheck("disabled")
		return ports.RateLimitOK, nil
	}

	result, err := t.underlying.CheckAndIncrement(ctx, userID, scope)
	if err != nil {
		t.metrics.RecordRateLimitCheck("error")
		return ports.RateLimitOK, nil
	}
	t.metrics.RecordRateLimitCheck(string(result))
	return result, nil
}

// gateEnabled reads the cached LIMITS_ENABLED flag. When the KV read itself
// fails it reports the gate as disabled (fail open) without caching that
// result; the local token bucket is not consulted.
func (t *Toggle) gateEnabled(ctx context.Context, userID string) bool {
	if cached, ok := t.cache.Get(limitsEnabledKey); ok {
		return cached
	}

	value, found, err := t.kv.Get(ctx, limitsEnabledKey)
	if err != nil {
		slog.Warn("LIMITS_ENABLED read failed, disabling gate", "error", err)
		return false
	}
	enabled := true
	if found && isDisabledValue(value) {
		enabled = false
	}
	t.cache.SetWithDefaultTTL(limitsEnabledKey, enabled)
	return enabled
}

// AllowLocal applies the per-user token bucket configured by
// LocalBucketConfig and reports whether this call fits in it. It is
// independent of KV availability and of the KV-backed counter: the Toggle
// never calls it, and it can refuse a user who is still under the
// KV-derived daily limit.
func (t *Toggle) AllowLocal(userID string) bool {
	t.mu.Lock()
	limiter, ok := t.buckets[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(t.localCfg.RatePerSecond), t.localCfg.Burst)
		t.buckets[userID] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}
