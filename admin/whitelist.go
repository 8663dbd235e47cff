package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverrelay/dialogworker/cache"
	"github.com/riverrelay/dialogworker/ports"
)

const whitelistKVKey = "whitelist"
const whitelistCacheKey = whitelistKVKey

const defaultWhitelistCacheTTL = 30 * time.Second

type whitelistPayload struct {
	Whitelist []string `json:"whitelist"`
}

// Whitelist is the admin allowlist, backed by a single KV record and
// fronted by a short-lived cache so a hot /admin path doesn't round-trip to
// the KV store on every command.
type Whitelist struct {
	kv    ports.KV
	cache *cache.LRUCache[string, map[string]struct{}]
	ttl   time.Duration
}

// NewWhitelist constructs a Whitelist. A ttl of 0 disables caching: every
// IsAdmin call reads through to kv.
func NewWhitelist(kv ports.KV, ttl time.Duration) *Whitelist {
	if ttl < 0 {
		ttl = defaultWhitelistCacheTTL
	}
	return &Whitelist{
		kv:    kv,
		cache: cache.NewLRUCache[string, map[string]struct{}](1, ttl),
		ttl:   ttl,
	}
}

var _ ports.Invalidator = (*Whitelist)(nil)

// IsAdmin reports whether userID appears in the whitelist.
func (w *Whitelist) IsAdmin(ctx context.Context, userID string) (bool, error) {
	set, err := w.loadSet(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[userID]
	return ok, nil
}

func (w *Whitelist) loadSet(ctx context.Context) (map[string]struct{}, error) {
	if w.ttl > 0 {
		if cached, ok := w.cache.Get(whitelistCacheKey); ok {
			return cached, nil
		}
	}

	set, err := w.fetchSet(ctx)
	if err != nil {
		return nil, err
	}

	if w.ttl > 0 {
		w.cache.Set(whitelistCacheKey, set, w.ttl)
	}
	return set, nil
}

func (w *Whitelist) fetchSet(ctx context.Context) (map[string]struct{}, error) {
	raw, found, err := w.kv.Get(ctx, whitelistKVKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]struct{}{}, nil
	}

	var payload whitelistPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(payload.Whitelist))
	for _, id := range payload.Whitelist {
		set[id] = struct{}{}
	}
	return set, nil
}

// Invalidate drops the cached whitelist. The whitelist is cached as a
// single blob, so a targeted invalidation for one userId reduces to the
// same whole-cache drop; key is accepted to satisfy ports.Invalidator and
// for future per-user caching but is otherwise unused.
func (w *Whitelist) Invalidate(key string) {
	w.cache.Remove(whitelistCacheKey)
}
