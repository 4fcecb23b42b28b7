package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// OpenAIProvider speaks the Chat Completions API, which also covers
// OpenAI-compatible servers such as Ollama and OpenRouter.
type OpenAIProvider struct {
	client      openai.Client
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := strings.TrimRight(defaultIfEmpty(cfg.BaseURL, "https://api.openai.com/v1"), "/")
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)
	return &OpenAIProvider{
		client:      client,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if p.apiKey == "" {
		return "", errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return "", errors.New("missing model for remote provider")
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.maxTokens))
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(message.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(message.Content))
		default:
			out = append(out, openai.UserMessage(message.Content))
		}
	}
	return out
}
