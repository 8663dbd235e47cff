// Package telegram is the concrete messaging.RawSender and
// ports.DocumentSender implementation over the Telegram Bot API. It performs
// exactly one attempt per call and classifies failures into
// *messaging.StatusError so the Dispatcher's retry controller can read
// status/retry-after without string matching.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/riverrelay/dialogworker/messaging"
	"github.com/riverrelay/dialogworker/ports"
)

// Sender wraps a Telegram bot client. Telegram chat and message ids are
// native int64; ports.Chat carries them as strings (the webhook decoder
// already guards against precision loss on the way in), so every call here
// parses at the boundary.
type Sender struct {
	bot *tgbotapi.BotAPI
}

// New constructs a Sender from a bot token.
func New(token string) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot api: %w", err)
	}
	return &Sender{bot: bot}, nil
}

var (
	_ messaging.RawSender  = (*Sender)(nil)
	_ ports.DocumentSender = (*Sender)(nil)
)

func parseChatID(chat ports.Chat) (int64, error) {
	id, err := strconv.ParseInt(chat.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: chat id %q is not a valid int64: %w", chat.ID, err)
	}
	return id, nil
}

func parseMessageID(messageID string) (int, error) {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return 0, fmt.Errorf("telegram: message id %q is not numeric: %w", messageID, err)
	}
	return id, nil
}

// SendTyping sends the "typing" chat action.
func (s *Sender) SendTyping(ctx context.Context, chat ports.Chat) error {
	chatID, err := parseChatID(chat)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err = s.bot.Request(action)
	return classifyError(err)
}

// SendText sends a plain text message and returns its message id.
func (s *Sender) SendText(ctx context.Context, chat ports.Chat, text string) (messaging.SendResult, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return messaging.SendResult{}, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if chat.ThreadID != "" {
		if threadID, convErr := strconv.Atoi(chat.ThreadID); convErr == nil {
			msg.MessageThreadID = threadID
		}
	}

	sent, err := s.bot.Send(msg)
	if err != nil {
		return messaging.SendResult{}, classifyError(err)
	}
	return messaging.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// EditMessageText edits a previously sent message's text.
func (s *Sender) EditMessageText(ctx context.Context, chat ports.Chat, messageID, text string) error {
	chatID, err := parseChatID(chat)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	_, err = s.bot.Send(edit)
	if isMessageNotFound(err) {
		return nil
	}
	return classifyError(err)
}

// isMessageNotFound reports whether err is Telegram's answer for a message
// that no longer exists; edit and delete treat it as success.
func isMessageNotFound(err error) bool {
	tgErr, ok := err.(*tgbotapi.Error)
	if !ok {
		return false
	}
	msg := strings.ToLower(tgErr.Message)
	return strings.Contains(msg, "message to delete not found") || strings.Contains(msg, "message to edit not found")
}

// DeleteMessage deletes a previously sent message. A message that is
// already gone counts as deleted.
func (s *Sender) DeleteMessage(ctx context.Context, chat ports.Chat, messageID string) error {
	chatID, err := parseChatID(chat)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}

	del := tgbotapi.NewDeleteMessage(chatID, msgID)
	_, err = s.bot.Request(del)
	if isMessageNotFound(err) {
		return nil
	}
	return classifyError(err)
}

// SendDocument uploads data as a named document attachment, implementing
// ports.DocumentSender for the admin export pipeline.
func (s *Sender) SendDocument(ctx context.Context, chat ports.Chat, filename string, data []byte) (string, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return "", err
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	sent, err := s.bot.Send(doc)
	if err != nil {
		return "", classifyError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// classifyError maps a tgbotapi.Error into *messaging.StatusError so the
// dispatcher's retry controller can classify it without string matching. Any
// other error (network, context) is returned unwrapped and treated as
// status 0, i.e. retryable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	tgErr, ok := err.(*tgbotapi.Error)
	if !ok {
		return err
	}

	statusErr := &messaging.StatusError{
		Status:      tgErr.Code,
		Description: tgErr.Message,
	}
	if tgErr.ResponseParameters.RetryAfter > 0 {
		statusErr.RetryAfter = time.Duration(tgErr.ResponseParameters.RetryAfter) * time.Second
	}
	return statusErr
}
