package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/riverrelay/dialogworker/ports"
)

// KV is the ports.KV implementation backed by the shared kv_store table.
// Expiry is checked lazily on Get rather than via a background sweep;
// CleanupExpired is exposed for callers that want to run one periodically.
type KV struct {
	db *DB
}

// NewKV constructs a KV store over an already-open DB.
func NewKV(db *DB) *KV { return &KV{db: db} }

var _ ports.KV = (*KV)(nil)

// Get reports found=false for a missing or expired key. An expired row is
// opportunistically deleted rather than left for the next sweep.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt int64
	err := k.db.conn.QueryRowContext(ctx, `
		SELECT value, expires_at FROM kv_store WHERE key = ?
	`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if expiresAt != 0 && expiresAt <= time.Now().Unix() {
		_, _ = k.db.conn.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

// Set writes key with the given TTL. A ttl of 0 means no expiry.
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	_, err := k.db.conn.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.conn.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return err
}

// CleanupExpired removes every row past its expiry and returns the count
// removed. Nothing in this repository calls it on a schedule.
func (k *KV) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := k.db.conn.ExecContext(ctx, `
		DELETE FROM kv_store WHERE expires_at != 0 AND expires_at <= ?
	`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
