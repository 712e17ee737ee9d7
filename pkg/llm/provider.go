// Package llm defines the provider contract the agent adapters speak and an
// OpenAI-backed implementation. The pipeline never talks to a vendor SDK
// directly; it only sees Provider.
package llm

import (
	"context"
	"errors"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyCompletion indicates the provider returned no usable text.
var ErrEmptyCompletion = errors.New("llm: provider returned empty completion")

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Model       string // empty uses the provider default
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // 0 means no per-call deadline beyond ctx
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider's answer.
type Response struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Provider is the LLM collaborator contract. Calls are not idempotent;
// retries may produce different outputs.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
