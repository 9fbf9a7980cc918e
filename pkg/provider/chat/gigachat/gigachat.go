// Package gigachat provides a chat provider backed by the GigaChat API.
//
// GigaChat exposes an OpenAI-style chat-completion endpoint but authenticates
// through its own OAuth flow: a Basic-auth authorization key is exchanged for
// a short-lived bearer token which is cached and refreshed by [TokenSource].
package gigachat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

const (
	defaultBaseURL = "https://gigachat.devices.sberbank.ru/api/v1"
	defaultModel   = "GigaChat-2"

	// rateLimitBodyMarker is the in-body error code GigaChat sometimes emits
	// with a 200 status instead of a proper 429 response.
	rateLimitBodyMarker = `"code": 429`
)

// options holds shared configuration for [Provider] and [TokenSource].
type options struct {
	baseURL  string
	tokenURL string
	scope    string
	client   *http.Client
	now      func() time.Time
}

func defaultOptions() *options {
	return &options{
		baseURL:  defaultBaseURL,
		tokenURL: defaultTokenURL,
		scope:    defaultScope,
		client:   &http.Client{Timeout: 120 * time.Second},
		now:      time.Now,
	}
}

// Option is a functional option for [New] and [NewTokenSource].
type Option func(*options)

// WithBaseURL overrides the chat-completion API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTokenURL overrides the OAuth token endpoint URL.
func WithTokenURL(url string) Option {
	return func(o *options) {
		o.tokenURL = url
	}
}

// WithScope overrides the OAuth scope sent on token requests.
func WithScope(scope string) Option {
	return func(o *options) {
		o.scope = scope
	}
}

// WithHTTPClient replaces the default HTTP client (120s request timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// withClock replaces the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Provider implements chat.Provider against the GigaChat API.
type Provider struct {
	tokens  *TokenSource
	client  *http.Client
	baseURL string
	model   string
}

// Compile-time interface assertion.
var _ chat.Provider = (*Provider)(nil)

// New constructs a GigaChat Provider. credential is either a Basic-auth
// authorization key or a ready JWT bearer token; it must not be blank.
// model is the default model identifier, used when a request does not carry
// its own.
func New(credential string, model string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("gigachat: %w: credential must not be empty", chat.ErrAuth)
	}
	if model == "" {
		model = defaultModel
	}

	cfg := defaultOptions()
	for _, o := range opts {
		o(cfg)
	}

	return &Provider{
		tokens:  NewTokenSource(credential, opts...),
		client:  cfg.client,
		baseURL: cfg.baseURL,
		model:   model,
	}, nil
}

// chatRequest is the wire format of a chat-completion request.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

// chatResponse is the response envelope: the first choice carries the reply.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete implements chat.Provider.
//
// Rate limiting (HTTP 429 or [rateLimitBodyMarker] in the body) is reported as
// [chat.ErrRateLimited]; token acquisition failures as [chat.ErrAuth]. Both
// are matchable with errors.Is.
func (p *Provider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("gigachat: request has no messages")
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gigachat: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("gigachat: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gigachat: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gigachat: chat completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gigachat: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || strings.Contains(string(raw), rateLimitBodyMarker) {
		return nil, fmt.Errorf("gigachat: %w", chat.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gigachat: chat completion: HTTP %d: %s",
			resp.StatusCode, truncate(string(raw), 2000))
	}

	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("gigachat: decode chat envelope: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return nil, fmt.Errorf("gigachat: %w: no choices in envelope", chat.ErrEmptyCompletion)
	}

	content := strings.TrimSpace(envelope.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("gigachat: %w", chat.ErrEmptyCompletion)
	}

	result := &chat.CompletionResponse{Content: content}
	if envelope.Usage != nil {
		result.Usage = chat.Usage{
			PromptTokens:     envelope.Usage.PromptTokens,
			CompletionTokens: envelope.Usage.CompletionTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements chat.Provider using the shared length heuristic;
// GigaChat has no public tokenisation endpoint.
func (p *Provider) CountTokens(messages []chat.Message) (int, error) {
	return chat.EstimateMessages(messages), nil
}

// truncate shortens s for inclusion in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
