// Package llm defines the model endpoint abstraction and its providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Options are the per-call sampling settings. Nil pointers leave the
// provider default in place.
type Options struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Tools       []Tool   `json:"tools,omitempty"`
}

// Float returns a pointer to v, for Options fields.
func Float(v float64) *float64 { return &v }

// Response is the result of one generation call.
type Response struct {
	Content      string `json:"content"`
	Reasoning    string `json:"reasoning,omitempty"`
	UsageTokens  int64  `json:"usage_tokens"`
	ToolCalls    int    `json:"tool_calls,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Truncated reports whether generation stopped at the token cap.
func (r *Response) Truncated() bool {
	switch r.FinishReason {
	case "length", "max_tokens":
		return true
	}
	return false
}

// Endpoint generates a completion for a conversation.
type Endpoint interface {
	Generate(ctx context.Context, messages []Message, opts Options) (*Response, error)
	Name() string
}

// ProviderError is an upstream failure from a model provider.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	if e.Model != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Model)
		sb.WriteString(")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// LastUser returns the content of the last user message.
func LastUser(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
