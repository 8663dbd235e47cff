package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
	"github.com/riverrelay/dialogworker/typing"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type fakeRateLimit struct {
	result ports.RateLimitResult
	err    error
}

func (f *fakeRateLimit) CheckAndIncrement(ctx context.Context, userID, scope string) (ports.RateLimitResult, error) {
	return f.result, f.err
}

type fakeTypingAcquirer struct {
	acquireCalls int
	releaseCalls int
}

func (f *fakeTypingAcquirer) Acquire(ctx context.Context, chat ports.Chat) typing.Release {
	f.acquireCalls++
	return func() { f.releaseCalls++ }
}

type fakeStorage struct {
	saveUserErr   error
	appendErrs    map[chatmodel.Role]error
	recent        []chatmodel.StoredMessage
	appendedCalls []chatmodel.StoredMessage
}

func (f *fakeStorage) SaveUser(ctx context.Context, profile chatmodel.UserProfile) (ports.SaveUserResult, error) {
	return ports.SaveUserResult{}, f.saveUserErr
}

func (f *fakeStorage) AppendMessage(ctx context.Context, msg chatmodel.StoredMessage) error {
	f.appendedCalls = append(f.appendedCalls, msg)
	if f.appendErrs != nil {
		return f.appendErrs[msg.Role]
	}
	return nil
}

func (f *fakeStorage) GetRecentMessages(ctx context.Context, userID string, limit int) ([]chatmodel.StoredMessage, error) {
	return f.recent, nil
}

type fakeAI struct {
	text string
	err  error
}

func (f *fakeAI) Reply(ctx context.Context, userID, text string, history []chatmodel.ConversationTurn, languageCode string) (string, error) {
	return f.text, f.err
}

type fakeMessaging struct {
	sendErr   error
	messageID string
	lastText  string
}

func (f *fakeMessaging) SendTyping(ctx context.Context, chat ports.Chat) error { return nil }

func (f *fakeMessaging) SendText(ctx context.Context, chat ports.Chat, text string) (string, error) {
	f.lastText = text
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.messageID, nil
}

func (f *fakeMessaging) EditMessageText(ctx context.Context, chat ports.Chat, messageID, text string) error {
	return nil
}

func (f *fakeMessaging) DeleteMessage(ctx context.Context, chat ports.Chat, messageID string) error {
	return nil
}

var baseMsg = chatmodel.IncomingMessage{
	User:      chatmodel.UserProfile{UserID: "u1"},
	Chat:      chatmodel.ChatRef{ID: "c1"},
	Text:      "hi",
	MessageID: "m1",
}

func TestHandleMessage_RateLimitedSkipsEverything(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitLimit}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{}
	messaging := &fakeMessaging{}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	result, err := e.HandleMessage(context.Background(), baseMsg)

	require.NoError(t, err)
	assert.Equal(t, StatusRateLimited, result.Status)
	assert.Equal(t, 0, typingAcq.acquireCalls)
	assert.Empty(t, storage.appendedCalls)
}

func TestHandleMessage_HappyPath(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{text: "hi-reply"}
	messaging := &fakeMessaging{messageID: "resp-1"}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, fixedClock{t: time.Unix(1000, 0)})
	result, err := e.HandleMessage(context.Background(), baseMsg)

	require.NoError(t, err)
	assert.Equal(t, StatusReplied, result.Status)
	assert.Equal(t, "hi-reply", result.ResponseText)
	assert.Equal(t, "resp-1", result.ResponseMessageID)
	assert.Equal(t, 1, typingAcq.acquireCalls)
	assert.Equal(t, 1, typingAcq.releaseCalls)
	require.Len(t, storage.appendedCalls, 2)
	assert.Equal(t, chatmodel.RoleUser, storage.appendedCalls[0].Role)
	assert.Equal(t, chatmodel.RoleAssistant, storage.appendedCalls[1].Role)
}

func TestHandleMessage_AIQueueTimeoutDegrades(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{err: &errs.AIQueueTimeoutError{WaitedMs: 5000}}
	messaging := &fakeMessaging{messageID: "resp-1"}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	result, err := e.HandleMessage(context.Background(), baseMsg)

	require.NoError(t, err)
	assert.Equal(t, StatusReplied, result.Status)
	assert.Contains(t, result.ResponseText, "overloaded")
	require.Len(t, storage.appendedCalls, 2)
	assert.Contains(t, string(storage.appendedCalls[1].Metadata), "AI_QUEUE_TIMEOUT")
}

func TestHandleMessage_AIQueueFullDegrades(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{err: &errs.AIQueueFullError{MaxQueueSize: 32}}
	messaging := &fakeMessaging{messageID: "resp-1"}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	result, err := e.HandleMessage(context.Background(), baseMsg)

	require.NoError(t, err)
	assert.Equal(t, StatusReplied, result.Status)
	assert.Contains(t, result.ResponseText, "overloaded")
	require.Len(t, storage.appendedCalls, 2)
	assert.Contains(t, string(storage.appendedCalls[1].Metadata), "AI_QUEUE_FULL")
}

func TestHandleMessage_AIQueueDroppedDegrades(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{err: &errs.AIQueueDroppedError{}}
	messaging := &fakeMessaging{}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	result, err := e.HandleMessage(context.Background(), baseMsg)

	require.NoError(t, err)
	assert.Equal(t, StatusReplied, result.Status)
}

func TestHandleMessage_OtherAIErrorPropagatesAndReleasesTyping(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{err: assertErr("upstream 500")}
	messaging := &fakeMessaging{}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	_, err := e.HandleMessage(context.Background(), baseMsg)

	require.Error(t, err)
	assert.Equal(t, 1, typingAcq.acquireCalls)
	assert.Equal(t, 1, typingAcq.releaseCalls)
}

func TestHandleMessage_PersistenceFailurePropagatesAndReleasesTyping(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{appendErrs: map[chatmodel.Role]error{chatmodel.RoleUser: assertErr("db down")}}
	ai := &fakeAI{text: "reply"}
	messaging := &fakeMessaging{}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	_, err := e.HandleMessage(context.Background(), baseMsg)

	require.Error(t, err)
	assert.Equal(t, 1, typingAcq.acquireCalls)
	assert.Equal(t, 1, typingAcq.releaseCalls)
}

func TestHandleMessage_SendTextFailurePropagates(t *testing.T) {
	rl := &fakeRateLimit{result: ports.RateLimitOK}
	typingAcq := &fakeTypingAcquirer{}
	storage := &fakeStorage{}
	ai := &fakeAI{text: "reply"}
	messaging := &fakeMessaging{sendErr: assertErr("send failed")}

	e := New(Config{}, rl, typingAcq, storage, ai, messaging, nil)
	_, err := e.HandleMessage(context.Background(), baseMsg)

	require.Error(t, err)
	require.Len(t, storage.appendedCalls, 1, "assistant turn must not be recorded on send failure")
}

func TestFilterContext_ExcludesIncomingByMessageID(t *testing.T) {
	now := time.Unix(2000, 0)
	recent := []chatmodel.StoredMessage{
		{Role: chatmodel.RoleUser, Text: "hi", Metadata: []byte(`{"messageId":"m1"}`), Timestamp: now.Add(-time.Hour)},
		{Role: chatmodel.RoleAssistant, Text: "earlier reply", Timestamp: now.Add(-time.Hour)},
	}
	turns := filterContext(recent, "m1", "hi", now)
	require.Len(t, turns, 1)
	assert.Equal(t, chatmodel.RoleAssistant, turns[0].Role)
}

func TestFilterContext_ExcludesIncomingByTupleMatch(t *testing.T) {
	now := time.Unix(3000, 0)
	recent := []chatmodel.StoredMessage{
		{Role: chatmodel.RoleUser, Text: "hi", Timestamp: now},
	}
	turns := filterContext(recent, "", "hi", now)
	assert.Empty(t, turns)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
