package llm

import (
	"context"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	Temperature     float64
	MaxTokens       int
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}), nil
	case "ollama":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:      defaultIfEmpty(cfg.OpenAIAPIKey, "ollama"),
			Model:       cfg.Model,
			BaseURL:     defaultIfEmpty(cfg.BaseURL, "http://localhost:11434/v1"),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.Model,
			BaseURL:     defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}), nil
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:      cfg.AnthropicAPIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}), nil
	case "gemini":
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// splitSystem separates system messages, which some backends take as a
// dedicated field, from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, message := range messages {
		if message.Role == RoleSystem {
			if text := strings.TrimSpace(message.Content); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, message)
	}
	return strings.Join(system, "\n\n"), rest
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
