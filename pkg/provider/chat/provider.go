// Package chat defines the Provider interface for chat-completion backends.
//
// A chat provider wraps a remote LLM API (GigaChat, OpenAI, or any backend
// supported by any-llm-go) and exposes a uniform interface for the turn engine
// to run multi-turn conversations without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package chat

import "context"

// Conversation roles. Ordering in a transcript is significant (oldest first).
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged entry in a conversation history.
// Messages are immutable once created.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser], or [RoleAssistant].
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts. Zero means the backend
	// did not report usage and the caller should fall back to [EstimateTokens].
	TotalTokens int
}

// CompletionRequest carries everything the backend needs to produce a reply.
// Messages must be non-empty; a zero-value request is invalid.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The full transcript is sent
	// on every request so the model keeps conversational memory.
	Messages []Message

	// Model overrides the provider's default model identifier when non-empty.
	// The turn engine resolves this per request from the player's model tier.
	Model string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use the
	// provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means no explicit cap.
	MaxTokens int
}

// CompletionResponse is the reply to a [CompletionRequest].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair, when the
	// backend reported it.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// The turn engine serialises calls per conversation, but nothing prevents a
// single Provider from serving several engines at once.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	//
	// Rate limiting is reported as an error matching [ErrRateLimited] via
	// errors.Is so that callers can apply their own backoff policy.
	// Authentication failures match [ErrAuth] and must not be retried.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens the given messages would consume.
	// Used for cost telemetry when the backend does not report usage. The
	// result need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)
}

// estimateCharsPerToken is the heuristic ratio used by [EstimateTokens].
// Common LLM tokenizers average roughly 4 characters per token; this avoids
// pulling in a tokenizer dependency.
const estimateCharsPerToken = 4
