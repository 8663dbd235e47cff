package sqlitestore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/riverrelay/dialogworker/admin"
)

// ExportSource is the admin.ExportSource implementation: one page is one
// ORDER BY id ASC slice of a user's messages joined against their profile,
// rendered directly to CSV. The cursor is the last row id seen, encoded as a
// decimal string, so a page boundary never needs to re-derive a WHERE clause
// from timestamps (which collide more often than ids).
type ExportSource struct {
	db *DB
}

// NewExportSource constructs an ExportSource over an already-open DB.
func NewExportSource(db *DB) *ExportSource { return &ExportSource{db: db} }

var exportHeader = []string{"id", "timestamp", "role", "text", "username", "language_code", "utm_source"}

var _ admin.ExportSource = (*ExportSource)(nil)

// FetchPage implements admin.ExportSource.
func (e *ExportSource) FetchPage(ctx context.Context, userID string, from, to time.Time, cursor string, pageSize int) (admin.ExportPage, error) {
	var afterID int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return admin.ExportPage{}, fmt.Errorf("sqlitestore: invalid export cursor %q: %w", cursor, err)
		}
		afterID = parsed
	}

	rows, err := e.db.conn.QueryContext(ctx, `
		SELECT m.id, m.timestamp, m.role, m.text, u.username, u.language_code, u.utm_source
		FROM messages m
		LEFT JOIN users u ON u.user_id = m.user_id
		WHERE m.user_id = ? AND m.id > ? AND m.timestamp >= ? AND m.timestamp <= ?
		ORDER BY m.id ASC
		LIMIT ?
	`, userID, afterID, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout), pageSize)
	if err != nil {
		return admin.ExportPage{}, err
	}
	defer rows.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return admin.ExportPage{}, err
	}

	var (
		rowCount   int
		lastID     int64
		utmSeen    = map[string]struct{}{}
		utmSources []string
	)
	for rows.Next() {
		var id int64
		var ts, role, text string
		var username, languageCode, utmSource nullableColumn
		if err := rows.Scan(&id, &ts, &role, &text, &username, &languageCode, &utmSource); err != nil {
			return admin.ExportPage{}, err
		}
		if err := w.Write([]string{
			strconv.FormatInt(id, 10), ts, role, text,
			username.String(), languageCode.String(), utmSource.String(),
		}); err != nil {
			return admin.ExportPage{}, err
		}
		rowCount++
		lastID = id
		if utmSource.Valid && utmSource.Value != "" {
			if _, seen := utmSeen[utmSource.Value]; !seen {
				utmSeen[utmSource.Value] = struct{}{}
				utmSources = append(utmSources, utmSource.Value)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return admin.ExportPage{}, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return admin.ExportPage{}, err
	}

	page := admin.ExportPage{
		CSV:        buf.Bytes(),
		RowCount:   rowCount,
		UTMSources: utmSources,
	}
	if rowCount == pageSize {
		page.NextCursor = strconv.FormatInt(lastID, 10)
	}
	return page, nil
}

// nullableColumn scans a possibly-NULL TEXT column without pulling in
// database/sql.NullString at every call site.
type nullableColumn struct {
	Value string
	Valid bool
}

func (n *nullableColumn) Scan(src any) error {
	if src == nil {
		n.Value, n.Valid = "", false
		return nil
	}
	switch v := src.(type) {
	case string:
		n.Value, n.Valid = v, true
	case []byte:
		n.Value, n.Valid = string(v), true
	default:
		n.Value, n.Valid = fmt.Sprintf("%v", v), true
	}
	return nil
}

func (n nullableColumn) String() string {
	return n.Value
}
