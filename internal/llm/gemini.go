package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient implements Generator for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

var _ Generator = (*GeminiClient)(nil)

// NewClient creates a Generator based on configuration
func NewClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch config.Provider {
	case ProviderGemini, "":
		return NewGeminiClient(ctx, config, apiKey)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", config.Provider)
	}
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		config: config,
	}, nil
}

// Generate sends the conversation to the model of params.Tier. System
// messages become the system instruction; the last non-system message is the
// prompt and earlier ones the chat history.
func (c *GeminiClient) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	tier := params.Tier
	if tier == "" {
		tier = TierStandard
	}
	modelName := c.config.Model(tier)
	if modelName == "" {
		return "", &ProviderError{Provider: string(ProviderGemini), Message: fmt.Sprintf("no model configured for tier %s", tier)}
	}

	system, history, prompt := buildContents(messages)
	if prompt == nil {
		return "", &ProviderError{Provider: string(ProviderGemini), Message: "no prompt message"}
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	model := c.client.GenerativeModel(modelName)
	temperature := c.config.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	model.SetTemperature(temperature)
	if params.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(params.MaxTokens))
	}
	if params.JSON {
		model.ResponseMIMEType = "application/json"
	}
	model.SystemInstruction = system

	chat := model.StartChat()
	chat.History = history
	resp, err := chat.SendMessage(ctx, prompt.Parts...)
	if err != nil {
		return "", classifyGeminiError(ctx, err)
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return "", &ProviderError{Provider: string(ProviderGemini), Message: "empty response", Cause: err}
	}
	if params.JSON {
		text = CleanJSONBlock(text)
	}
	return text, nil
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// buildContents splits messages into system instruction, history and prompt.
func buildContents(messages []Message) (*genai.Content, []*genai.Content, *genai.Content) {
	var systemParts []string
	var turns []*genai.Content
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
		case RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))}}
	}
	if len(turns) == 0 {
		return system, nil, nil
	}
	return system, turns[:len(turns)-1], turns[len(turns)-1]
}

// classifyGeminiError maps client errors onto ProviderError.
func classifyGeminiError(ctx context.Context, err error) error {
	pe := &ProviderError{Provider: string(ProviderGemini), Message: "generation failed", Cause: err}

	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		pe.Message = "request timed out"
		pe.Transient = true
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.Code
		pe.Transient = transientStatus(apiErr.Code)
	default:
		// gRPC transport errors carry the status name in the message.
		msg := err.Error()
		for _, marker := range []string{"RESOURCE_EXHAUSTED", "UNAVAILABLE", "DEADLINE_EXCEEDED", "INTERNAL", "429", "503"} {
			if strings.Contains(msg, marker) {
				pe.Transient = true
				break
			}
		}
	}
	return pe
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}
