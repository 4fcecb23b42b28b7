package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	ctx := context.Background()
	cases := map[string]any{
		"openai":     &OpenAIProvider{},
		"OLLAMA":     &OpenAIProvider{},
		"openrouter": &OpenAIProvider{},
		"anthropic":  &AnthropicProvider{},
		"gemini":     &GeminiProvider{},
	}
	for name, want := range cases {
		provider, err := NewProvider(ctx, Config{Provider: name, Model: "m", GeminiAPIKey: "g"})
		require.NoError(t, err, name)
		require.IsType(t, want, provider, name)
	}

	_, err := NewProvider(ctx, Config{Provider: "codex"})
	var unsupported ErrUnsupportedProvider
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "unsupported LLM provider: codex", err.Error())

	_, err = NewProvider(ctx, Config{Provider: "gemini"})
	require.ErrorContains(t, err, "missing API key")
}

func TestNewProvider_OllamaDefaults(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Provider: "ollama", Model: "llama3"})
	require.NoError(t, err)
	openaiProvider := provider.(*OpenAIProvider)
	require.Equal(t, "http://localhost:11434/v1", openaiProvider.baseURL)
	require.Equal(t, "ollama", openaiProvider.apiKey)
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" Findings: none "}}]}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{APIKey: "key", Model: "gpt-4o", BaseURL: server.URL + "/v1/", Temperature: 0.2, MaxTokens: 100})
	content, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "Findings: none", content)
	require.Equal(t, "gpt-4o", body["model"])
	require.Equal(t, float64(100), body["max_completion_tokens"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 3)
	require.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestOpenAIProvider_Errors(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{Model: "m"}).Generate(context.Background(), nil)
	require.ErrorContains(t, err, "missing API key")
	_, err = NewOpenAIProvider(OpenAIConfig{APIKey: "k"}).Generate(context.Background(), nil)
	require.ErrorContains(t, err, "missing model")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()
	_, err = NewOpenAIProvider(OpenAIConfig{APIKey: "k", Model: "m", BaseURL: server.URL}).Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	require.Error(t, err)
	require.True(t, IsRetryable(err), err.Error())
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer server.Close()
	_, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", Model: "m", BaseURL: server.URL}).Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicProvider_Generate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude","stop_reason":"end_turn","content":[{"type":"text","text":"Impression: clear."}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(AnthropicConfig{APIKey: "key", Model: "claude", BaseURL: server.URL})
	content, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleUser, Content: "second"},
	})
	require.NoError(t, err)
	require.Equal(t, "Impression: clear.", content)
	require.Equal(t, float64(defaultAnthropicMaxTokens), body["max_tokens"])
	system := body["system"].([]any)
	require.Equal(t, "persona", system[0].(map[string]any)["text"])
	require.Len(t, body["messages"].([]any), 1)
}

func TestToAnthropicMessages_AlternatesRoles(t *testing.T) {
	out := toAnthropicMessages([]Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleUser, Content: "d"},
	})
	require.Len(t, out, 3)
}

func TestGeminiProvider_Generate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "models/gemini-test:generateContent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Findings: none"}]}}]}`))
	}))
	defer server.Close()

	provider, err := NewGeminiProvider(context.Background(), GeminiConfig{APIKey: "key", Model: "gemini-test", BaseURL: server.URL})
	require.NoError(t, err)
	content, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "Findings: none", content)
	require.Contains(t, body, "systemInstruction")
	require.Len(t, body["contents"].([]any), 1)
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: " "},
		{Role: RoleSystem, Content: "b"},
	})
	require.Equal(t, "a\n\nb", system)
	require.Equal(t, []Message{{Role: RoleUser, Content: "u"}}, rest)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(ErrEmptyResponse))
	require.True(t, IsRetryable(errors.New("POST: 503 Service Unavailable")))
	require.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(errors.New("401 unauthorized")))
}

func TestWithRetry(t *testing.T) {
	script := NewScripted(
		Step{Err: errors.New("502 bad gateway")},
		Step{Response: "  "},
		Step{Response: "ok"},
	)
	provider := WithRetry(script, 3, time.Millisecond, time.Second)
	content, err := provider.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	require.Equal(t, "ok", content)
	require.Len(t, script.Calls(), 3)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	script := NewScripted(Step{Err: errors.New("invalid api key")}, Step{Response: "never"})
	_, err := WithRetry(script, 3, 0, 0).Generate(context.Background(), nil)
	require.ErrorContains(t, err, "invalid api key")
	require.Len(t, script.Calls(), 1)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	script := NewScripted(Step{Err: context.DeadlineExceeded}, Step{Err: context.DeadlineExceeded})
	_, err := WithRetry(script, 2, 0, 0).Generate(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, script.Calls(), 2)
}

func TestScriptedProvider(t *testing.T) {
	script := Replies("one")
	script.steps = append(script.steps, Step{Func: func(messages []Message) (string, error) {
		return "echo " + messages[len(messages)-1].Content, nil
	}})
	first, err := script.Generate(context.Background(), []Message{{Role: RoleUser, Content: "a"}})
	require.NoError(t, err)
	require.Equal(t, "one", first)
	second, err := script.Generate(context.Background(), []Message{{Role: RoleUser, Content: "b"}})
	require.NoError(t, err)
	require.Equal(t, "echo b", second)
	_, err = script.Generate(context.Background(), nil)
	require.ErrorIs(t, err, ErrScriptExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = script.Generate(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
