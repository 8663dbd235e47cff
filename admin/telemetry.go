package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riverrelay/dialogworker/ports"
)

const (
	adminErrorTTL     = 10 * 24 * time.Hour
	adminErrorRateTTL = 60 * time.Second
)

// cacheInvalidatingStatuses: telemetry only drops the whitelist
// cache on 400/403, since those are the statuses that indicate the acting
// user's admin status itself may have changed or been misread.
var cacheInvalidatingStatuses = map[int]struct{}{400: {}, 403: {}}

type adminErrorRecord struct {
	UserID  string `json:"userId"`
	Command string `json:"command"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Telemetry records admin-surface messaging failures, deduplicated per
// (userId, command) for 60s, and invalidates the whitelist cache when the
// failure's status suggests the admin record itself is stale.
type Telemetry struct {
	kv        ports.KV
	whitelist ports.Invalidator
	clock     Clock
}

// NewTelemetry constructs a Telemetry recorder.
func NewTelemetry(kv ports.KV, whitelist ports.Invalidator, clock Clock) *Telemetry {
	if clock == nil {
		clock = realClock{}
	}
	return &Telemetry{kv: kv, whitelist: whitelist, clock: clock}
}

// RecordError logs an admin-error entry unless an identical (userId,
// command) failure was already recorded within the last 60s, and
// invalidates the whitelist cache for status 400/403.
func (t *Telemetry) RecordError(ctx context.Context, userID, command string, status int, message string) error {
	dedupKey := fmt.Sprintf("admin-error-rate:%s:%s", userID, command)
	_, found, err := t.kv.Get(ctx, dedupKey)
	if err == nil && found {
		t.invalidateIfNeeded(status)
		return nil
	}

	now := t.clock.Now().UTC()
	record := adminErrorRecord{
		UserID:  userID,
		Command: command,
		Status:  status,
		Message: message,
		At:      now.Format(time.RFC3339),
	}
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return marshalErr
	}

	key := fmt.Sprintf("admin-error:%s:%s", userID, now.Format("20060102150405"))
	if err := t.kv.Set(ctx, key, string(payload), adminErrorTTL); err != nil {
		return err
	}
	if err := t.kv.Set(ctx, dedupKey, "1", adminErrorRateTTL); err != nil {
		return err
	}

	t.invalidateIfNeeded(status)
	return nil
}

func (t *Telemetry) invalidateIfNeeded(status int) {
	if _, ok := cacheInvalidatingStatuses[status]; ok && t.whitelist != nil {
		t.whitelist.Invalidate(whitelistCacheKey)
	}
}
