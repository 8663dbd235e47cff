package admin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
)

const (
	exportDateLayout  = "2006-01-02"
	exportRowLimit    = 5000
	exportPageSize    = 1000
	exportCooldown    = 60 * time.Second
	exportLogTTL      = 30 * 24 * time.Hour
	exportScope       = "admin_export"
	exportCommandName = "/export"
)

// ExportPage is one page of exported rows, pre-rendered as CSV by the
// source so the merge step never needs to know the row schema.
type ExportPage struct {
	CSV        []byte
	RowCount   int
	NextCursor string
	UTMSources []string
}

// ExportSource streams export rows page by page. cursor is empty for the
// first page; a returned NextCursor of "" signals the final page.
type ExportSource interface {
	FetchPage(ctx context.Context, userID string, from, to time.Time, cursor string, pageSize int) (ExportPage, error)
}

type cooldownEntry struct {
	ExpiresAt    string `json:"expiresAt"`
	NoticeSentAt string `json:"noticeSentAt,omitempty"`
}

// Exporter implements the /export pipeline: whitelist enforcement, rate
// limiting, a persistent cooldown, paginated CSV merge, document upload,
// and a retention-TTL audit log entry.
type Exporter struct {
	whitelist *Whitelist
	rateLimit ports.RateLimit
	kv        ports.KV
	messaging ports.Messaging
	telemetry *Telemetry
	clock     Clock
}

// NewExporter constructs an Exporter.
func NewExporter(whitelist *Whitelist, rateLimit ports.RateLimit, kv ports.KV, messaging ports.Messaging, telemetry *Telemetry, clock Clock) *Exporter {
	if clock == nil {
		clock = realClock{}
	}
	return &Exporter{
		whitelist: whitelist,
		rateLimit: rateLimit,
		kv:        kv,
		messaging: messaging,
		telemetry: telemetry,
		clock:     clock,
	}
}

// Run executes /export [from] [to] for userID in chat. A nil error with no
// side effects means the request was silently dropped (non-admin, rate
// limited, or mid-cooldown with a notice already sent).
func (x *Exporter) Run(ctx context.Context, source ExportSource, chat ports.Chat, userID, fromStr, toStr string) error {
	from, to, err := parseExportRange(fromStr, toStr, x.clock.Now())
	if err != nil {
		return &errs.HTTPStatusError{Status: 400, Message: err.Error()}
	}

	isAdmin, err := x.whitelist.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return nil
	}

	rateResult, err := x.rateLimit.CheckAndIncrement(ctx, userID, exportScope)
	if err == nil && rateResult == ports.RateLimitLimit {
		return nil
	}

	blocked, err := x.enforceCooldown(ctx, chat, userID)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	csvData, rowCount, truncated, utmSources, err := x.collect(ctx, source, userID, from, to)
	if err != nil {
		return err
	}

	if rowCount == 0 {
		_, _ = x.messaging.SendText(ctx, chat, "Export complete: no rows matched this range.")
	} else if truncated {
		_, _ = x.messaging.SendText(ctx, chat, fmt.Sprintf("Export truncated at %d rows.", exportRowLimit))
	}

	if rowCount > 0 {
		if err := x.uploadCSV(ctx, chat, userID, csvData); err != nil {
			return err
		}
	}

	return x.logRetention(ctx, userID, chat.ID, fromStr, toStr, rowCount, utmSources)
}

func (x *Exporter) enforceCooldown(ctx context.Context, chat ports.Chat, userID string) (blocked bool, err error) {
	key := fmt.Sprintf("rate-limit:%s", userID)
	raw, found, err := x.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		entry := cooldownEntry{ExpiresAt: x.clock.Now().Add(exportCooldown).UTC().Format(time.RFC3339)}
		payload, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return false, marshalErr
		}
		if err := x.kv.Set(ctx, key, string(payload), exportCooldown); err != nil {
			return false, err
		}
		return false, nil
	}

	var entry cooldownEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return false, err
	}
	if entry.NoticeSentAt != "" {
		return true, nil
	}

	_, sendErr := x.messaging.SendText(ctx, chat, "Please wait 60 seconds before requesting another export.")
	if sendErr != nil {
		return true, nil
	}
	entry.NoticeSentAt = x.clock.Now().UTC().Format(time.RFC3339)
	payload, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return true, marshalErr
	}
	_ = x.kv.Set(ctx, key, string(payload), exportCooldown)
	return true, nil
}

func (x *Exporter) collect(ctx context.Context, source ExportSource, userID string, from, to time.Time) (csvData []byte, rowCount int, truncated bool, utmSources []string, err error) {
	var merged bytes.Buffer
	cursor := ""
	firstPage := true

	for {
		pageSize := exportPageSize
		if remaining := exportRowLimit - rowCount; remaining < pageSize {
			pageSize = remaining
		}
		if pageSize <= 0 {
			truncated = true
			break
		}

		page, fetchErr := source.FetchPage(ctx, userID, from, to, cursor, pageSize)
		if fetchErr != nil {
			return nil, 0, false, nil, fetchErr
		}

		appendCSVPage(&merged, page.CSV, firstPage)
		firstPage = false
		rowCount += page.RowCount
		utmSources = append(utmSources, page.UTMSources...)

		if rowCount >= exportRowLimit {
			truncated = true
			break
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return merged.Bytes(), rowCount, truncated, utmSources, nil
}

// appendCSVPage writes page into merged, keeping the header line only for
// the first page and stripping it from every subsequent page.
func appendCSVPage(merged *bytes.Buffer, page []byte, isFirst bool) {
	if len(page) == 0 {
		return
	}
	if isFirst {
		merged.Write(page)
		if page[len(page)-1] != '\n' {
			merged.WriteByte('\n')
		}
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(page))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	skippedHeader := false
	for scanner.Scan() {
		if !skippedHeader {
			skippedHeader = true
			continue
		}
		merged.Write(scanner.Bytes())
		merged.WriteByte('\n')
	}
}

func (x *Exporter) uploadCSV(ctx context.Context, chat ports.Chat, userID string, data []byte) error {
	sender, ok := x.messaging.(ports.DocumentSender)
	if !ok {
		if x.telemetry != nil {
			_ = x.telemetry.RecordError(ctx, userID, exportCommandName, 502, "messaging does not support document upload")
		}
		return &errs.HTTPStatusError{Status: 502, Message: "failed to upload export document"}
	}
	filename := fmt.Sprintf("export-%s.csv", x.clock.Now().UTC().Format("20060102-150405"))
	if _, err := sender.SendDocument(ctx, chat, filename, data); err != nil {
		if x.telemetry != nil {
			_ = x.telemetry.RecordError(ctx, userID, exportCommandName, 502, err.Error())
		}
		return &errs.HTTPStatusError{Status: 502, Message: "failed to upload export document"}
	}
	return nil
}

func (x *Exporter) logRetention(ctx context.Context, userID, chatID, fromStr, toStr string, rowCount int, utmSources []string) error {
	jobID := shortuuid.New()
	record := map[string]any{
		"jobId":    jobID,
		"userId":   userID,
		"chatId":   chatID,
		"from":     fromStr,
		"to":       toStr,
		"rowCount": rowCount,
	}
	if len(utmSources) > 0 {
		record["utmSources"] = utmSources
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	// jobId disambiguates two exports for the same user landing in the same
	// RFC3339 second, which shares only whole-second resolution.
	key := fmt.Sprintf("log:%s:%s:%s", x.clock.Now().UTC().Format(time.RFC3339), userID, jobID)
	return x.kv.Set(ctx, key, string(payload), exportLogTTL)
}

func parseExportRange(fromStr, toStr string, now time.Time) (from, to time.Time, err error) {
	to = now
	if toStr != "" {
		to, err = time.Parse(exportDateLayout, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'to' date: %w", err)
		}
	}

	from = to.AddDate(0, 0, -30)
	if fromStr != "" {
		from, err = time.Parse(exportDateLayout, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'from' date: %w", err)
		}
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("'from' must not be after 'to'")
	}
	return from, to, nil
}
