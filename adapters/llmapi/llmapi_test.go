package llmapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riverrelay/dialogworker/aiqueue"
	"github.com/riverrelay/dialogworker/chatmodel"
)

func TestBuildMessages_IncludesLanguageAndHistory(t *testing.T) {
	req := aiqueue.Request{
		Text:         "hello",
		LanguageCode: "fr",
		History: []chatmodel.ConversationTurn{
			{Role: chatmodel.RoleUser, Text: "earlier"},
			{Role: chatmodel.RoleAssistant, Text: "earlier reply"},
		},
	}
	msgs := buildMessages(req)
	assert.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Equal(t, "hello", msgs[3].Content)
}

func TestBuildMessages_NoHistoryNoLanguage(t *testing.T) {
	msgs := buildMessages(aiqueue.Request{Text: "hi"})
	assert.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestClientFor_ReusesClientPerBaseURL(t *testing.T) {
	c := New(Config{Model: "gpt-4o", APIKey: "test"})
	a := c.clientFor("https://a")
	b := c.clientFor("https://a")
	c2 := c.clientFor("https://b")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c2)
}

func TestClassifyError_TransportFallback(t *testing.T) {
	ce := classifyError(context.DeadlineExceeded, "req-1")
	assert.Equal(t, 0, ce.Status)
	assert.True(t, ce.Retryable())
	assert.Equal(t, "req-1", ce.RequestID)
}
