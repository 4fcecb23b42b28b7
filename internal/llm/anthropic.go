package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1500

type AnthropicConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

type AnthropicProvider struct {
	client      anthropic.Client
	apiKey      string
	model       string
	temperature float64
	maxTokens   int64
}

func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if p.apiKey == "" {
		return "", errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return "", errors.New("missing model for remote provider")
	}
	system, conversation := splitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		Messages:    toAnthropicMessages(conversation),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if text := block.AsText().Text; text != "" {
			parts = append(parts, text)
		}
	}
	content := strings.TrimSpace(strings.Join(parts, "\n"))
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// toAnthropicMessages merges consecutive turns of the same role, which the
// Messages API rejects.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	lastRole := ""
	var pending []string
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		pending = nil
	}
	for _, message := range messages {
		role := RoleUser
		if message.Role == RoleAssistant {
			role = RoleAssistant
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, message.Content)
	}
	flush()
	return out
}
