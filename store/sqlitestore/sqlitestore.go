// Package sqlitestore is the concrete SQL-backed implementation of
// storagectl.RawStore, the KV port, and the admin export source, all
// sharing one *sql.DB opened against a local SQLite file (modernc.org/sqlite,
// pure Go, no CGO). The storage retry/backoff/degradation policy lives one
// layer up in storagectl.Controller; this package performs one attempt per
// call and returns driver errors unwrapped so that layer's classifier can
// read them.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riverrelay/dialogworker/chatmodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	username TEXT,
	first_name TEXT,
	last_name TEXT,
	language_code TEXT,
	utm_source TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
	text TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user_timestamp ON messages(user_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat_thread_timestamp ON messages(chat_id, thread_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS kv_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_store(expires_at);
`

// DB wraps the shared *sql.DB connection every port implementation in this
// package is built on.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path with WAL
// journaling, applies the schema, and returns the shared handle.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitestore: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Raw exposes the underlying connection, used by the KV store and export
// source constructors that share this DB instance.
func (d *DB) Raw() *sql.DB { return d.conn }

const timeLayout = time.RFC3339Nano

// RawStore is the storagectl.RawStore implementation.
type RawStore struct {
	db *DB
}

// NewRawStore constructs a RawStore over an already-open DB.
func NewRawStore(db *DB) *RawStore { return &RawStore{db: db} }

// UpsertUserWithUTM writes every user column, including utm_source. The
// write-once-wins rule for utm_source is implemented with COALESCE against
// the existing row: an incoming NULL never overwrites a stored non-NULL
// value.
func (s *RawStore) UpsertUserWithUTM(ctx context.Context, profile chatmodel.UserProfile) error {
	metadata, err := marshalUserMetadata(profile)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name, language_code, utm_source, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			utm_source = COALESCE(users.utm_source, excluded.utm_source),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, profile.UserID, profile.Username, profile.FirstName, profile.LastName, profile.LanguageCode,
		nullableString(profile.UtmSource), metadata, now, now)
	return err
}

// UpsertUserWithoutUTM is the degraded-mode statement used once the schema
// has been observed missing the utm_source column.
func (s *RawStore) UpsertUserWithoutUTM(ctx context.Context, profile chatmodel.UserProfile) error {
	metadata, err := marshalUserMetadata(profile)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name, language_code, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, profile.UserID, profile.Username, profile.FirstName, profile.LastName, profile.LanguageCode,
		metadata, now, now)
	return err
}

// HasUTMColumn introspects the live schema via PRAGMA table_info, the
// SQLite-native probe the recheck loop re-runs periodically while degraded.
func (s *RawStore) HasUTMColumn(ctx context.Context) (bool, error) {
	rows, err := s.db.conn.QueryContext(ctx, `PRAGMA table_info(users)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == "utm_source" {
			return true, nil
		}
	}
	return false, rows.Err()
}

// FindMessageByMetadata reports whether a row already exists for
// (userId, canonicalMetadata), the duplicate-detection query appendMessage
// runs before every insert.
func (s *RawStore) FindMessageByMetadata(ctx context.Context, userID string, canonicalMetadata []byte) (bool, error) {
	var exists int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE user_id = ? AND metadata = ? LIMIT 1
	`, userID, string(canonicalMetadata)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertMessage inserts one conversation turn.
func (s *RawStore) InsertMessage(ctx context.Context, msg chatmodel.StoredMessage) error {
	metadata := string(msg.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO messages (user_id, chat_id, thread_id, role, text, timestamp, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.UserID, msg.ChatID, msg.ThreadID, string(msg.Role), msg.Text,
		msg.Timestamp.UTC().Format(timeLayout), metadata, time.Now().UTC().Format(timeLayout))
	return err
}

// QueryRecentMessagesDesc returns at most limit rows ordered by
// (timestamp DESC, id DESC); the controller reverses this to ascending.
func (s *RawStore) QueryRecentMessagesDesc(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT user_id, chat_id, thread_id, role, text, timestamp, metadata
		FROM messages
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatmodel.StoredMessage
	for rows.Next() {
		var m chatmodel.StoredMessage
		var role, ts, metadata string
		if err := rows.Scan(&m.UserID, &m.ChatID, &m.ThreadID, &role, &m.Text, &ts, &metadata); err != nil {
			return nil, err
		}
		m.Role = chatmodel.Role(role)
		m.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		m.Metadata = []byte(metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func marshalUserMetadata(profile chatmodel.UserProfile) (string, error) {
	canonical, err := chatmodel.CanonicalizeMetadata(profile.Metadata)
	if err != nil {
		return "", fmt.Errorf("canonicalize user metadata: %w", err)
	}
	return string(canonical), nil
}

// isMissingColumnErr reports whether err is one of SQLite's two missing-column
// messages for column ("no such column: X" or "has no column named X"). Tests
// use it to assert on the driver's literal error text without depending on
// storagectl's private classifier.
func isMissingColumnErr(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such column: "+column) || strings.Contains(msg, "has no column named "+column)
}
