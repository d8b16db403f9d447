package model

import (
	"context"
	"iter"
	"time"
)

// Role identifies message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a transcript. Position in the transcript is its only identity.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Endpoint carries the per-request upstream configuration. Different sessions
// may talk to different upstreams.
type Endpoint struct {
	// API selects the provider dialect, e.g. openai_compatible or ollama.
	API     string
	BaseURL string
	APIKey  string
	Model   string
	Headers map[string]string
	// Timeout bounds one upstream call through its context, streamed body
	// included. Zero means the caller's default.
	Timeout time.Duration
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages []Message
	Stream   bool
}

// Usage reports model token usage (best-effort).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a provider-agnostic model response chunk. Streamed partial chunks
// carry one delta in Message.Content; the final chunk has TurnComplete set and
// the accumulated text.
type Response struct {
	Message      Message
	Partial      bool
	TurnComplete bool
	Usage        Usage
	Model        string
	Provider     string
}

// LLM is the completion abstraction used by the session runtime.
type LLM interface {
	Name() string
	Generate(context.Context, *Request) iter.Seq2[*Response, error]
}
