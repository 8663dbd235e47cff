package messaging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
)

type fakeClock struct{ sleeps int }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.sleeps++
	return nil
}

func noJitter() float64 { return 0 }

type scriptedSender struct {
	typingErr error
	sendFn    func(chat ports.Chat, text string) (SendResult, error)
	editErr   error
	deleteErr error

	sendCalls   []string
	typingCalls int
}

func (s *scriptedSender) SendTyping(ctx context.Context, chat ports.Chat) error {
	s.typingCalls++
	return s.typingErr
}

func (s *scriptedSender) SendText(ctx context.Context, chat ports.Chat, text string) (SendResult, error) {
	s.sendCalls = append(s.sendCalls, text)
	return s.sendFn(chat, text)
}

func (s *scriptedSender) EditMessageText(ctx context.Context, chat ports.Chat, messageID, text string) error {
	return s.editErr
}

func (s *scriptedSender) DeleteMessage(ctx context.Context, chat ports.Chat, messageID string) error {
	return s.deleteErr
}

var testChat = ports.Chat{ID: "chat-1"}

func TestSendText_ExactlyOneChunkAtLimit(t *testing.T) {
	text := strings.Repeat("a", maxChunkCodeUnits)
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		return SendResult{MessageID: "m1"}, nil
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	id, err := d.SendText(context.Background(), testChat, text)
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	require.Len(t, sender.sendCalls, 1)
	assert.Len(t, []rune(sender.sendCalls[0]), maxChunkCodeUnits)
}

func TestSendText_OneOverLimitSplitsIntoTwoChunks(t *testing.T) {
	text := strings.Repeat("a", maxChunkCodeUnits+1)
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		return SendResult{MessageID: "m" + text[:1]}, nil
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), testChat, text)
	require.NoError(t, err)
	require.Len(t, sender.sendCalls, 2)
	assert.Len(t, []rune(sender.sendCalls[0]), maxChunkCodeUnits)
	assert.Len(t, []rune(sender.sendCalls[1]), 1)
}

func TestSendText_EmptyTextSendsOneEmptyChunk(t *testing.T) {
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		return SendResult{MessageID: "m"}, nil
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), testChat, "")
	require.NoError(t, err)
	require.Len(t, sender.sendCalls, 1)
	assert.Equal(t, "", sender.sendCalls[0])
}

func TestSendText_StripsC0ControlCharacters(t *testing.T) {
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		return SendResult{MessageID: "m"}, nil
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), testChat, "hi\x00\x01there\x1f")
	require.NoError(t, err)
	assert.Equal(t, "hithere", sender.sendCalls[0])
}

func TestSendText_StopsOnFirstChunkFailure(t *testing.T) {
	text := strings.Repeat("a", maxChunkCodeUnits*2)
	calls := 0
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		calls++
		if calls == 1 {
			return SendResult{}, &StatusError{Status: 400, Description: "bad request"}
		}
		return SendResult{MessageID: "m2"}, nil
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), testChat, text)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSendText_RetriesRetryableStatusThenSucceeds(t *testing.T) {
	attempts := 0
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		attempts++
		if attempts < 3 {
			return SendResult{}, &StatusError{Status: 503, Description: "unavailable"}
		}
		return SendResult{MessageID: "ok"}, nil
	}}
	clock := &fakeClock{}
	d := New(sender, 3, time.Millisecond, clock, noJitter)

	id, err := d.SendText(context.Background(), testChat, "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, clock.sleeps)
}

func TestSendText_NonRetryableStatusSurfacesImmediately(t *testing.T) {
	attempts := 0
	sender := &scriptedSender{sendFn: func(chat ports.Chat, text string) (SendResult, error) {
		attempts++
		return SendResult{}, &StatusError{Status: 403, Description: "forbidden"}
	}}
	d := New(sender, 3, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), testChat, "hi")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 403, statusErr.Status)
}

func TestSendTyping_SwallowsErrorsAfterRetries(t *testing.T) {
	sender := &scriptedSender{typingErr: &StatusError{Status: 500, Description: "boom"}}
	d := New(sender, 2, time.Millisecond, &fakeClock{}, noJitter)

	err := d.SendTyping(context.Background(), testChat)
	assert.NoError(t, err)
	assert.Equal(t, 3, sender.typingCalls)
}

func TestEditMessageText_SurfacesNonRetryableError(t *testing.T) {
	sender := &scriptedSender{editErr: &StatusError{Status: 404, Description: "not found"}}
	d := New(sender, 2, time.Millisecond, &fakeClock{}, noJitter)

	err := d.EditMessageText(context.Background(), testChat, "msg-1", "hi")
	require.Error(t, err)
}

func TestDeleteMessage_SurfacesErrorAfterRetries(t *testing.T) {
	sender := &scriptedSender{deleteErr: &StatusError{Status: 500, Description: "boom"}}
	d := New(sender, 1, time.Millisecond, &fakeClock{}, noJitter)

	err := d.DeleteMessage(context.Background(), testChat, "msg-1")
	require.Error(t, err)
}

func TestSendText_EmptyChatIDIsInvalidID(t *testing.T) {
	sender := &scriptedSender{}
	d := New(sender, 1, time.Millisecond, &fakeClock{}, noJitter)

	_, err := d.SendText(context.Background(), ports.Chat{}, "hi")
	require.Error(t, err)
	var invalidErr *errs.InvalidIDError
	require.ErrorAs(t, err, &invalidErr)
	assert.Empty(t, sender.sendCalls)
}
