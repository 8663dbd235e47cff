// Package llmapi is the concrete ports.AI transport: a single-attempt caller
// against an OpenAI-compatible chat-completions endpoint. It implements
// aiqueue.Endpoint; the aiqueue package owns retry scheduling, backoff, and
// endpoint failover across the base URLs this client is constructed with.
package llmapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/riverrelay/dialogworker/aiqueue"
	"github.com/riverrelay/dialogworker/chatmodel"
)

// Config configures the client. Model/APIKey are shared across every base
// URL the aiqueue.Queue fails over between.
type Config struct {
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float32
}

type requestIDKey struct{}

// Client is the concrete Endpoint. It lazily builds and caches one
// *openai.Client per base URL so the queue can fail over between them
// without reconnecting on every attempt.
type Client struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// New constructs a Client. Each base URL gets its own tuned *http.Client
// (built by newHTTPClient) the first time it is called.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, clients: make(map[string]*openai.Client)}
}

var _ aiqueue.Endpoint = (*Client)(nil)

// Call performs one attempt against baseURL and classifies the outcome into
// a Response or an *aiqueue.CallError the queue can branch on.
func (c *Client) Call(ctx context.Context, baseURL string, req aiqueue.Request) (aiqueue.Response, error) {
	client := c.clientFor(baseURL)

	var requestID string
	ctx = context.WithValue(ctx, requestIDKey{}, &requestID)

	messages := buildMessages(req)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return aiqueue.Response{}, classifyError(err, requestID)
	}
	if len(resp.Choices) == 0 {
		return aiqueue.Response{}, &aiqueue.CallError{Status: 502, Description: "empty response from LLM", RequestID: requestID}
	}

	text := resp.Choices[0].Message.Content
	if text == "" {
		return aiqueue.Response{}, &aiqueue.CallError{Status: 502, Description: "empty completion text", RequestID: requestID}
	}
	return aiqueue.Response{Text: text, RequestID: requestID}, nil
}

func (c *Client) clientFor(baseURL string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[baseURL]; ok {
		return cl
	}
	clientConfig := openai.DefaultConfig(c.cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()
	cl := openai.NewClientWithConfig(clientConfig)
	c.clients[baseURL] = cl
	return cl
}

func buildMessages(req aiqueue.Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.LanguageCode != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf("Respond in language code %q.", req.LanguageCode),
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    roleToOpenAI(turn.Role),
			Content: turn.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})
	return messages
}

func roleToOpenAI(r chatmodel.Role) string {
	switch r {
	case chatmodel.RoleSystem:
		return openai.ChatMessageRoleSystem
	case chatmodel.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// classifyError turns a go-openai error into an *aiqueue.CallError carrying
// status/description/requestId/retryAfter so the queue can decide whether to
// retry without string-matching.
func classifyError(err error, requestID string) *aiqueue.CallError {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return &aiqueue.CallError{
			Status:      apiErr.HTTPStatusCode,
			Description: apiErr.Message,
			RequestID:   requestID,
			RetryAfter:  retryAfterFromAPIError(apiErr),
		}
	}
	var reqErr *openai.RequestError
	if ok := asRequestError(err, &reqErr); ok {
		return &aiqueue.CallError{
			Status:      reqErr.HTTPStatusCode,
			Description: reqErr.Error(),
			RequestID:   requestID,
		}
	}
	return &aiqueue.CallError{Status: 0, Description: err.Error(), RequestID: requestID}
}

func asAPIError(err error, target **openai.APIError) bool {
	if e, ok := err.(*openai.APIError); ok {
		*target = e
		return true
	}
	return false
}

func asRequestError(err error, target **openai.RequestError) bool {
	if e, ok := err.(*openai.RequestError); ok {
		*target = e
		return true
	}
	return false
}

func retryAfterFromAPIError(apiErr *openai.APIError) time.Duration {
	if apiErr == nil {
		return 0
	}
	// go-openai surfaces provider-specific rate limit bodies inconsistently;
	// fall back to no explicit hint and let the queue's own backoff apply.
	return 0
}

// requestIDCapturingTransport records the upstream response's X-Request-Id
// header into the pointer stashed in the request's context, so Call can
// surface it on AINonTwoXXError without go-openai's client exposing headers.
type requestIDCapturingTransport struct {
	inner http.RoundTripper
}

func (t *requestIDCapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if resp != nil {
		if ptr, ok := req.Context().Value(requestIDKey{}).(*string); ok {
			if rid := resp.Header.Get("X-Request-Id"); rid != "" {
				*ptr = rid
			} else if rid := resp.Header.Get("X-Request-ID"); rid != "" {
				*ptr = rid
			}
		}
	}
	return resp, err
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &requestIDCapturingTransport{inner: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}},
	}
}
