package telegram

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrelay/dialogworker/messaging"
	"github.com/riverrelay/dialogworker/ports"
)

func TestParseChatID_Valid(t *testing.T) {
	id, err := parseChatID(ports.Chat{ID: "123456789"})
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)
}

func TestParseChatID_Invalid(t *testing.T) {
	_, err := parseChatID(ports.Chat{ID: "not-a-number"})
	assert.Error(t, err)
}

func TestClassifyError_Nil(t *testing.T) {
	assert.NoError(t, classifyError(nil))
}

func TestClassifyError_TelegramAPIError(t *testing.T) {
	tgErr := &tgbotapi.Error{
		Code:    429,
		Message: "Too Many Requests",
		ResponseParameters: tgbotapi.ResponseParameters{
			RetryAfter: 5,
		},
	}

	err := classifyError(tgErr)
	statusErr, ok := err.(*messaging.StatusError)
	require.True(t, ok)
	assert.Equal(t, 429, statusErr.Status)
	assert.Equal(t, 5*time.Second, statusErr.RetryAfter)
	assert.True(t, statusErr.Retryable())
}

func TestClassifyError_NonTelegramError(t *testing.T) {
	err := classifyError(assert.AnError)
	assert.Same(t, assert.AnError, err)
}
