package adapters

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLM implements LocalLLM against the Anthropic Messages API. It
// is "local" only in the ARCANOS sense of not going through the backend
// control plane — the model call itself still leaves the box.
type AnthropicLLM struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicLLM constructs an AnthropicLLM. apiKey must be non-empty;
// callers should not construct this adapter at all when no key is
// configured (falling back to an error-returning stub instead), matching
// the rest of ARCANOS's fail-fast-on-missing-credential posture.
func NewAnthropicLLM(apiKey string, model anthropic.Model) *AnthropicLLM {
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete sends systemPrompt plus history plus message as a single
// Messages.New call and returns the concatenated text of the response's
// content blocks.
func (a *AnthropicLLM) Complete(ctx context.Context, systemPrompt, message string, history []Turn) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System:    systemPrompt,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("adapters: anthropic completion failed: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
