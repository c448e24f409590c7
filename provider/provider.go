// Package provider defines the inference capability boundary for pipeline workers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage tracks token consumption for one inference call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// EvalDuration is the backend-reported compute time (prompt eval + eval)
	// when the backend exposes it. Zero when unknown.
	EvalDuration time.Duration `json:"-"`
}

// Chunk types. A stream is zero or more token chunks followed by exactly
// one terminal chunk, done or error.
const (
	ChunkToken = "token"
	ChunkDone  = "done"
	ChunkError = "error"
)

// Chunk is one element of a streaming response.
type Chunk struct {
	Type  string `json:"type"` // "token", "done", "error"
	Token string `json:"token,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Provider is an inference backend that executes one subtask's prompt.
type Provider interface {
	// Name returns the provider identifier (e.g., "ollama", "openrouter", "mock").
	Name() string

	// Stream sends a chat request for the given model. The returned channel
	// carries zero or more "token" chunks followed by exactly one terminal
	// chunk ("done" with usage, or "error"), then closes.
	Stream(ctx context.Context, model string, messages []Message) (<-chan Chunk, error)
}

// APIError is a non-2xx response from an inference backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// Terminal reports whether err is a permanent rejection that retrying cannot
// fix. Client errors (4xx) are terminal except 408 and 429; everything else
// (network failures, 5xx, timeouts) is treated as transient.
func Terminal(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 408, 429:
			return false
		}
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}
