package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/ports"
)

// handleAdminExport triggers the /export pipeline out-of-band from a chat
// command, for operators who'd rather curl a CSV than message the bot.
func (s *Server) handleAdminExport(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
	}
	chatID := c.QueryParam("chatId")
	if chatID == "" {
		chatID = userID
	}

	ctx := c.Request().Context()
	chat := ports.Chat{ID: chatID}
	err := s.app.Exporter.Run(ctx, s.app.ExportSource(), chat, userID, c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminSelftest probes the storage schema, runs a throwaway KV
// write-and-read round trip, and reports pass/fail for both along with the
// AI queue's current stats. It does not call the AI endpoint.
func (s *Server) handleAdminSelftest(c echo.Context) error {
	ctx := c.Request().Context()
	results := map[string]string{}

	if _, err := s.app.RawStore.HasUTMColumn(ctx); err != nil {
		results["storage"] = "fail: " + err.Error()
	} else {
		results["storage"] = "ok"
	}

	if err := s.app.KV.Set(ctx, "selftest:ping", "1", time.Minute); err != nil {
		results["kv"] = "fail: " + err.Error()
	} else if _, found, err := s.app.KV.Get(ctx, "selftest:ping"); err != nil || !found {
		results["kv"] = "fail: round trip did not read back"
	} else {
		results["kv"] = "ok"
	}

	qs := s.app.AIQueue.GetQueueStats()
	results["aiQueue"] = fmt.Sprintf("active=%d queued=%d dropped=%d", qs.Active, qs.Queued, qs.DroppedSinceBoot)

	return c.JSON(http.StatusOK, results)
}

// handleAdminEnvz reports non-secret configuration, redacting every
// credential field.
func (s *Server) handleAdminEnvz(c echo.Context) error {
	p := s.app.Profile
	return c.JSON(http.StatusOK, map[string]any{
		"mode":                p.Mode,
		"driver":              p.Driver,
		"llmProvider":         p.LLMProvider,
		"llmModel":            p.LLMModel,
		"llmBaseURLs":         p.LLMBaseURLs,
		"queueMaxConcurrency": p.QueueMaxConcurrency,
		"queueMaxSize":        p.QueueMaxSize,
		"rateLimitPerDay":     p.RateLimitPerDay,
	})
}

// handleAdminAccess reports whether the userId query parameter is on the
// admin whitelist, as a single-user access-control diagnostic.
func (s *Server) handleAdminAccess(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
	}
	isAdmin, err := s.app.Whitelist.IsAdmin(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"userId": userID, "isAdmin": isAdmin})
}

// handleAdminDiag reports the AI queue's diagnostics in one shot.
func (s *Server) handleAdminDiag(c echo.Context) error {
	qs := s.app.AIQueue.GetQueueStats()
	return c.JSON(http.StatusOK, map[string]any{
		"aiQueue": qs,
	})
}

// handleAdminKnownUsersClear drops the whitelist cache, forcing the next
// IsAdmin check to read through to the KV store.
func (s *Server) handleAdminKnownUsersClear(c echo.Context) error {
	s.app.Whitelist.Invalidate("whitelist")
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

// handleAdminStorageStress stress-writes and reads the configured SQL
// backend, renamed in code from the platform-specific "d1" naming while
// keeping the route path for contract compatibility.
func (s *Server) handleAdminStorageStress(c echo.Context) error {
	n := 20
	if raw := c.QueryParam("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	ctx := c.Request().Context()
	start := time.Now()
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("stress-%d", i)
		if err := stressRoundTrip(ctx, s.app.RawStore, userID); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error(), "iteration": fmt.Sprint(i)})
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"iterations": n,
		"elapsedMs":  time.Since(start).Milliseconds(),
	})
}

func stressRoundTrip(ctx context.Context, raw interface {
	UpsertUserWithUTM(ctx context.Context, profile chatmodel.UserProfile) error
	QueryRecentMessagesDesc(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error)
}, userID string) error {
	if err := raw.UpsertUserWithUTM(ctx, chatmodel.UserProfile{UserID: userID}); err != nil {
		return err
	}
	_, err := raw.QueryRecentMessagesDesc(ctx, userID, 1)
	return err
}

const broadcastRecipientsKey = "broadcast-recipients"

// handleBroadcastRecipientsList reads the broadcast recipient roster stored
// as a single comma-joined KV record.
func (s *Server) handleBroadcastRecipientsList(c echo.Context) error {
	ctx := c.Request().Context()
	raw, found, err := s.app.KV.Get(ctx, broadcastRecipientsKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !found {
		return c.JSON(http.StatusOK, map[string]any{"recipients": []string{}})
	}
	return c.JSON(http.StatusOK, map[string]any{"recipients": strings.Split(raw, ",")})
}

// handleBroadcastRecipientsAdd appends a recipient to the roster.
func (s *Server) handleBroadcastRecipientsAdd(c echo.Context) error {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
	}

	ctx := c.Request().Context()
	recipients := s.loadRecipients(ctx)
	for _, id := range recipients {
		if id == body.UserID {
			return c.JSON(http.StatusOK, map[string]any{"recipients": recipients})
		}
	}
	recipients = append(recipients, body.UserID)
	if err := s.app.KV.Set(ctx, broadcastRecipientsKey, strings.Join(recipients, ","), 0); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"recipients": recipients})
}

// handleBroadcastRecipientsRemove removes a recipient from the roster.
func (s *Server) handleBroadcastRecipientsRemove(c echo.Context) error {
	target := c.Param("userId")
	ctx := c.Request().Context()
	recipients := s.loadRecipients(ctx)

	out := recipients[:0]
	for _, id := range recipients {
		if id != target {
			out = append(out, id)
		}
	}
	if err := s.app.KV.Set(ctx, broadcastRecipientsKey, strings.Join(out, ","), 0); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"recipients": out})
}

func (s *Server) loadRecipients(ctx context.Context) []string {
	raw, found, err := s.app.KV.Get(ctx, broadcastRecipientsKey)
	if err != nil || !found || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
