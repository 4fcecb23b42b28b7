package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key for remote provider")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{
		client:      client,
		model:       defaultIfEmpty(cfg.Model, "gemini-2.5-flash"),
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
	}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	system, conversation := splitSystem(messages)
	contents := make([]*genai.Content, 0, len(conversation))
	for _, message := range conversation {
		var role genai.Role = genai.RoleUser
		if message.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(message.Content, role))
	}
	temperature := p.temperature
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = p.maxTokens
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	content := strings.TrimSpace(resp.Text())
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
