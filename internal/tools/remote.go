package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const contractVersion = "capability_contract_v1"

type capabilityResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// Client talks to the capability service that hosts the imaging models.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Available lists the capability names the service reports.
func (c *Client) Available(ctx context.Context) ([]string, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("capability service url not configured")
	}
	requestCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, c.baseURL+"/tools/capabilities", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capability service returned status %d", resp.StatusCode)
	}
	payload := struct {
		Tools []string `json:"tools"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

func (c *Client) execute(ctx context.Context, name string, input Input) (Output, error) {
	if !c.Configured() {
		return Output{}, fmt.Errorf("capability service url not configured")
	}
	invocationID := uuid.New().String()
	args := make(map[string]any, len(input.Args)+2)
	for key, value := range input.Args {
		args[key] = value
	}
	if input.ImagePath != "" {
		args["image_path"] = input.ImagePath
	}
	if input.Instruction != "" {
		args[FieldInstruction] = input.Instruction
	}
	payload := map[string]any{
		"contract_version": contractVersion,
		"invocation_id":    invocationID,
		"tool_name":        name,
		"input":            args,
	}
	if c.timeout > 0 {
		payload["timeout_ms"] = int(c.timeout / time.Millisecond)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Output{}, err
	}
	requestCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return Output{}, fmt.Errorf("%s", parseServiceErrorMessage(resp.StatusCode, responseBody))
	}
	var result capabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Output{}, fmt.Errorf("decode capability response: %w", err)
	}
	if strings.TrimSpace(result.Error) != "" {
		return Output{}, fmt.Errorf("%s", strings.TrimSpace(result.Error))
	}
	if status := strings.ToLower(strings.TrimSpace(result.Status)); status != "" && status != StatusOK && status != "completed" {
		return Output{}, fmt.Errorf("capability returned status %q", result.Status)
	}
	return decodeOutput(result.Output), nil
}

func decodeOutput(raw map[string]any) Output {
	out := Output{}
	for _, key := range []string{"text", "report", "answer", "result"} {
		if value, ok := raw[key].(string); ok && strings.TrimSpace(value) != "" {
			out.Text = strings.TrimSpace(value)
			break
		}
	}
	for _, key := range []string{"image_path", "output_image", "visualization_path"} {
		if value, ok := raw[key].(string); ok && strings.TrimSpace(value) != "" {
			out.ImagePath = strings.TrimSpace(value)
			break
		}
	}
	for _, key := range []string{"scores", "predictions"} {
		values, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		scores := make(map[string]float64, len(values))
		for label, value := range values {
			if score, ok := toFloat(value); ok {
				scores[label] = score
			}
		}
		if len(scores) > 0 {
			out.Scores = scores
			break
		}
	}
	return out
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return parsed, err == nil
	}
	return 0, false
}

func parseServiceErrorMessage(statusCode int, responseBody []byte) string {
	trimmed := strings.TrimSpace(string(responseBody))
	if trimmed == "" {
		return fmt.Sprintf("capability service returned status %d", statusCode)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return trimmed
	}
	for _, key := range []string{"error", "message", "detail"} {
		if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return trimmed
}

// RemoteCapability runs a contract on the capability service.
type RemoteCapability struct {
	contract Contract
	client   *Client
}

func NewRemoteCapability(contract Contract, client *Client) *RemoteCapability {
	return &RemoteCapability{contract: contract, client: client}
}

func (c *RemoteCapability) Contract() Contract {
	return c.contract
}

func (c *RemoteCapability) Invoke(ctx context.Context, input Input) (Output, error) {
	return c.client.execute(ctx, c.contract.Name, input)
}
