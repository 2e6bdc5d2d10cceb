// Package llm wraps text generation behind a small Generator interface.
// The pipeline treats generation as text in, text out; command tokens
// embedded in the output are parsed downstream.
package llm

import (
	"context"
	"fmt"

	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/domain"
)

// Message is one prior conversation turn handed to the model.
type Message struct {
	Role    domain.MessageRole
	Content string
}

// Prompt is a fully assembled generation request.
type Prompt struct {
	System   string
	Messages []Message
}

// Generator produces the assistant's next reply, possibly containing
// embedded command tokens.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// NewGenerator builds the configured provider client.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIGenerator(cfg), nil
	case "anthropic":
		return NewAnthropicGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
