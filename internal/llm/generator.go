package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Params tune one generation request. Zero values select provider defaults.
type Params struct {
	Temperature *float32
	MaxTokens   int
	Timeout     time.Duration
	Tier        ModelTier
	// JSON asks the provider for an application/json response.
	JSON bool
}

// Temperature returns a pointer for Params.Temperature.
func Temperature(t float32) *float32 { return &t }

// Generator produces text for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []Message, params Params) (string, error)
}

// FuncGenerator adapts a function to Generator.
type FuncGenerator func(ctx context.Context, messages []Message, params Params) (string, error)

// Generate calls f.
func (f FuncGenerator) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	return f(ctx, messages, params)
}

// ProviderError is a failed provider call. Transient errors may be retried.
type ProviderError struct {
	Provider   string
	Message    string
	StatusCode int
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.StatusCode != 0 {
		sb.WriteString(fmt.Sprintf(" (status %d)", e.StatusCode))
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// JoinMessages flattens a conversation into a single prompt, for providers
// or tests that take plain text.
func JoinMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}
