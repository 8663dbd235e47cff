// Package server builds the HTTP surface (§6): the Telegram webhook, the
// admin diagnostics/export routes, and the Prometheus /metrics endpoint, all
// on top of github.com/labstack/echo/v4.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/riverrelay/dialogworker/admin"
	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/dialog"
	"github.com/riverrelay/dialogworker/internal/compose"
	"github.com/riverrelay/dialogworker/ports"
	"github.com/riverrelay/dialogworker/ratelimit"
	"github.com/riverrelay/dialogworker/webhook"
)

// Server wraps the echo instance and every wired App component a handler
// needs to reach.
type Server struct {
	echo *echo.Echo
	app  *compose.App
}

// New builds a Server with every route from §6 registered.
func New(app *compose.App) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, app: app}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler()))
	e.POST("/webhook/:secret", s.handleWebhook)

	adminGroup := e.Group("/admin", s.adminAuth)
	adminGroup.GET("/export", s.handleAdminExport)
	adminGroup.GET("/selftest", s.handleAdminSelftest)
	adminGroup.GET("/envz", s.handleAdminEnvz)
	adminGroup.GET("/access", s.handleAdminAccess)
	adminGroup.GET("/diag", s.handleAdminDiag)
	adminGroup.GET("/known-users/clear", s.handleAdminKnownUsersClear)
	adminGroup.POST("/d1-stress", s.handleAdminStorageStress)
	adminGroup.GET("/broadcast-recipients", s.handleBroadcastRecipientsList)
	adminGroup.POST("/broadcast-recipients", s.handleBroadcastRecipientsAdd)
	adminGroup.DELETE("/broadcast-recipients/:userId", s.handleBroadcastRecipientsRemove)

	return s
}

// Echo exposes the underlying instance for the cmd entrypoint to Start/Shutdown.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// adminAuth checks the x-admin-token header or ?token= query parameter
// against the configured admin tokens.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get("x-admin-token")
		if token == "" {
			token = c.QueryParam("token")
		}
		if token == "" || !s.isValidAdminToken(token) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) isValidAdminToken(token string) bool {
	for _, t := range s.app.Profile.AdminTokens {
		if t == token {
			return true
		}
	}
	return false
}

// handleWebhook is the inbound chat-platform entry point: it rejects a
// mismatched path secret, decodes the body, and dispatches to the Admin
// Command Gate or the Dialog Engine depending on the decoded route label.
func (s *Server) handleWebhook(c echo.Context) error {
	if c.Param("secret") != s.app.Profile.WebhookSecretToken {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}

	outcome, err := webhook.Decode(body)
	if err != nil {
		slog.Warn("webhook decode failed", "error", err)
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ctx := c.Request().Context()

	switch outcome.Kind {
	case webhook.OutcomeHandled:
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	case webhook.OutcomeNonText:
		if _, err := s.app.Messaging.SendText(ctx, outcome.NonTextChat, outcome.NonTextReplyText); err != nil {
			slog.Warn("non-text reply send failed", "chatId", outcome.NonTextChat.ID, "error", err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	case webhook.OutcomeMessage:
		return s.dispatchMessage(c, outcome)
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) dispatchMessage(c echo.Context, outcome webhook.Outcome) error {
	ctx := c.Request().Context()
	chat := ports.Chat{ID: outcome.Incoming.Chat.ID, ThreadID: outcome.Incoming.Chat.ThreadID}
	traceID := uuid.New().String()

	if outcome.RouteLabel == webhook.RouteLabelCommand {
		return s.dispatchCommand(ctx, c, outcome.Incoming, chat)
	}

	result, err := s.app.Engine.HandleMessage(ctx, outcome.Incoming)
	if err != nil {
		slog.Error("dialog engine failed", "traceId", traceID, "userId", outcome.Incoming.User.UserID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"status": "error"})
	}

	if result.Status == dialog.StatusRateLimited {
		if !s.app.Notifier.Notify(ctx, chat, nowMs()) {
			_, _ = s.app.Messaging.SendText(ctx, chat, ratelimit.StaticFallbackText())
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "rate_limited"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) dispatchCommand(ctx context.Context, c echo.Context, msg chatmodel.IncomingMessage, chat ports.Chat) error {
	command := msg.Text
	if fields := strings.Fields(msg.Text); len(fields) > 0 && fields[0] == admin.CommandExport {
		command = admin.CommandExport
	}
	if !s.app.Registry.IsKnown(command) {
		return c.JSON(http.StatusOK, map[string]string{"status": "unknown_command"})
	}

	allowed, replyText, err := s.app.Registry.Authorize(ctx, msg.User.UserID, command)
	if err != nil {
		slog.Error("admin authorize failed", "userId", msg.User.UserID, "command", command, "error", err)
		return c.JSON(http.StatusOK, map[string]string{"status": "error"})
	}
	if !allowed {
		if replyText != "" {
			_, _ = s.app.Messaging.SendText(ctx, chat, replyText)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "denied"})
	}

	if command == admin.CommandExport {
		from, to := parseExportArgs(msg.Text)
		if err := s.app.Exporter.Run(ctx, s.app.ExportSource(), chat, msg.User.UserID, from, to); err != nil {
			slog.Error("export failed", "userId", msg.User.UserID, "error", err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}

	_, _ = s.app.Messaging.SendText(ctx, chat, "Command received.")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
