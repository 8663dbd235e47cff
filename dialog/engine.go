// Package dialog implements the Dialog Engine orchestration state machine:
// rate-limit gate, concurrent persistence of the inbound turn, AI reply with
// overload degradation, and reply delivery plus recording.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
	"github.com/riverrelay/dialogworker/typing"
)

// Status is the outcome reported to the webhook layer.
type Status string

const (
	StatusRateLimited Status = "rate_limited"
	StatusReplied     Status = "replied"
)

// Result is handleMessage's return value.
type Result struct {
	Status            Status
	ResponseText      string
	ResponseMessageID string
}

// Clock abstracts the current time so context-filtering and assistant-turn
// timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// TypingAcquirer is the narrow surface the engine needs from the typing
// registry, queried as an interface so tests can substitute a fake.
type TypingAcquirer interface {
	Acquire(ctx context.Context, chat ports.Chat) typing.Release
}

// Config tunes the engine's behavior.
type Config struct {
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	return c
}

// Engine is the concrete Dialog Engine.
type Engine struct {
	cfg       Config
	rateLimit ports.RateLimit
	typingReg TypingAcquirer
	storage   ports.Storage
	ai        ports.AI
	messaging ports.Messaging
	clock     Clock
}

// New constructs an Engine.
func New(cfg Config, rateLimit ports.RateLimit, typingReg TypingAcquirer, storage ports.Storage, ai ports.AI, messaging ports.Messaging, clock Clock) *Engine {
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		rateLimit: rateLimit,
		typingReg: typingReg,
		storage:   storage,
		ai:        ai,
		messaging: messaging,
		clock:     clock,
	}
}

// HandleMessage runs the full orchestration state machine for one inbound
// message.
func (e *Engine) HandleMessage(ctx context.Context, msg chatmodel.IncomingMessage) (Result, error) {
	rateResult, err := e.rateLimit.CheckAndIncrement(ctx, msg.User.UserID, "message")
	if err != nil {
		slog.Warn("rate limit check failed, proceeding", "userId", msg.User.UserID, "error", err)
	}
	if rateResult == ports.RateLimitLimit {
		return Result{Status: StatusRateLimited}, nil
	}

	chat := ports.Chat{ID: msg.Chat.ID, ThreadID: msg.Chat.ThreadID}

	typingCh := make(chan typing.Release, 1)
	go func() { typingCh <- e.typingReg.Acquire(ctx, chat) }()

	var typingRelease typing.Release
	var typingAwaited bool
	awaitTyping := func() {
		if !typingAwaited {
			typingRelease = <-typingCh
			typingAwaited = true
		}
	}
	defer func() {
		awaitTyping()
		if typingRelease != nil {
			typingRelease()
		}
	}()

	incomingTimestamp := e.clock.Now()
	incomingMetadata, err := incomingMessageMetadata(msg.MessageID)
	if err != nil {
		return Result{}, fmt.Errorf("canonicalize incoming metadata: %w", err)
	}

	saveResult, appendErr, recent := e.persistIncoming(ctx, msg, chat, incomingTimestamp, incomingMetadata)
	if appendErr != nil {
		return Result{}, appendErr
	}

	awaitTyping()

	aiContext := filterContext(recent, msg.MessageID, msg.Text, incomingTimestamp)

	replyText, aiMetadata, err := e.callAI(ctx, msg, aiContext)
	if err != nil {
		return Result{}, err
	}

	sentMessageID, err := e.messaging.SendText(ctx, chat, replyText)
	if err != nil {
		slog.Error("sendText failed", "chatId", chat.ID, "error", err)
		return Result{}, err
	}

	assistantMetadata := mergeMetadata(aiMetadata, sentMessageID)
	assistantCanonical, err := chatmodel.CanonicalizeMetadata(assistantMetadata)
	if err != nil {
		return Result{}, fmt.Errorf("canonicalize assistant metadata: %w", err)
	}
	if err := e.storage.AppendMessage(ctx, chatmodel.StoredMessage{
		UserID:    msg.User.UserID,
		ChatID:    chat.ID,
		ThreadID:  chat.ThreadID,
		Role:      chatmodel.RoleAssistant,
		Text:      replyText,
		Timestamp: e.clock.Now(),
		Metadata:  assistantCanonical,
	}); err != nil {
		return Result{}, err
	}

	_ = saveResult
	return Result{Status: StatusReplied, ResponseText: replyText, ResponseMessageID: sentMessageID}, nil
}

// persistIncoming launches saveUser/appendMessage/getRecentMessages
// concurrently and waits for all three to settle before returning; a
// rejection in any subtask does not cancel the others' in-flight calls.
func (e *Engine) persistIncoming(ctx context.Context, msg chatmodel.IncomingMessage, chat ports.Chat, timestamp time.Time, incomingMetadata json.RawMessage) (ports.SaveUserResult, error, []chatmodel.StoredMessage) {
	var wg sync.WaitGroup
	var saveResult ports.SaveUserResult
	var saveErr, appendErr error
	var recent []chatmodel.StoredMessage

	wg.Add(3)
	go func() {
		defer wg.Done()
		saveResult, saveErr = e.storage.SaveUser(ctx, msg.User)
	}()
	go func() {
		defer wg.Done()
		appendErr = e.storage.AppendMessage(ctx, chatmodel.StoredMessage{
			UserID:    msg.User.UserID,
			ChatID:    chat.ID,
			ThreadID:  chat.ThreadID,
			Role:      chatmodel.RoleUser,
			Text:      msg.Text,
			Timestamp: timestamp,
			Metadata:  incomingMetadata,
		})
	}()
	go func() {
		defer wg.Done()
		recent, _ = e.storage.GetRecentMessages(ctx, msg.User.UserID, e.cfg.HistoryLimit)
	}()
	wg.Wait()

	if saveErr != nil {
		return saveResult, saveErr, recent
	}
	if appendErr != nil {
		return saveResult, appendErr, recent
	}
	return saveResult, nil, recent
}

// callAI invokes the AI port, substituting a friendly overload reply when
// the queue degraded rather than produced a genuine answer.
func (e *Engine) callAI(ctx context.Context, msg chatmodel.IncomingMessage, history []chatmodel.ConversationTurn) (string, map[string]any, error) {
	text, err := e.ai.Reply(ctx, msg.User.UserID, msg.Text, history, msg.User.LanguageCode)
	if err == nil {
		return text, nil, nil
	}

	var timeoutErr *errs.AIQueueTimeoutError
	var fullErr *errs.AIQueueFullError
	var droppedErr *errs.AIQueueDroppedError
	switch {
	case errors.As(err, &timeoutErr):
		return overloadReply(), map[string]any{"degraded": true, "reason": "AI_QUEUE_TIMEOUT"}, nil
	case errors.As(err, &fullErr):
		return overloadReply(), map[string]any{"degraded": true, "reason": "AI_QUEUE_FULL"}, nil
	case errors.As(err, &droppedErr):
		return overloadReply(), map[string]any{"degraded": true, "reason": "AI_QUEUE_DROPPED"}, nil
	default:
		return "", nil, err
	}
}

func overloadReply() string {
	return "I'm a bit overloaded right now — please try again in a moment."
}

func incomingMessageMetadata(messageID string) (json.RawMessage, error) {
	if messageID == "" {
		return chatmodel.CanonicalizeMetadata(nil)
	}
	return chatmodel.CanonicalizeMetadata(map[string]any{"messageId": messageID})
}

func mergeMetadata(aiMetadata map[string]any, sentMessageID string) map[string]any {
	merged := map[string]any{}
	for k, v := range aiMetadata {
		merged[k] = v
	}
	if sentMessageID != "" {
		merged["messageId"] = sentMessageID
	}
	return merged
}

type messageIDHolder struct {
	MessageID string `json:"messageId"`
}

// filterContext excludes the just-recorded incoming message from the
// history handed to the AI port, matching either by metadata.messageId or
// by an exact (role=user, text, timestamp) tuple.
func filterContext(recent []chatmodel.StoredMessage, incomingMessageID, incomingText string, incomingTimestamp time.Time) []chatmodel.ConversationTurn {
	turns := make([]chatmodel.ConversationTurn, 0, len(recent))
	for _, m := range recent {
		if m.Role == chatmodel.RoleUser && isIncomingMessage(m, incomingMessageID, incomingText, incomingTimestamp) {
			continue
		}
		turns = append(turns, chatmodel.ConversationTurn{Role: m.Role, Text: m.Text})
	}
	return turns
}

func isIncomingMessage(m chatmodel.StoredMessage, incomingMessageID, incomingText string, incomingTimestamp time.Time) bool {
	if incomingMessageID != "" {
		var holder messageIDHolder
		if err := json.Unmarshal(m.Metadata, &holder); err == nil && holder.MessageID == incomingMessageID {
			return true
		}
	}
	return m.Text == incomingText && m.Timestamp.Equal(incomingTimestamp)
}
