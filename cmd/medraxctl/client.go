package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/medivision/control-plane/internal/events"
)

// apiClient talks to the control plane HTTP API.
type apiClient struct {
	baseURL string
	ownerID string
	http    *http.Client
}

func newAPIClient(baseURL string, ownerID string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		ownerID: ownerID,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Message)
}

type uploadResult struct {
	OriginPath  string `json:"origin_path"`
	DisplayPath string `json:"display_path"`
}

type threadSummary struct {
	ThreadID     string `json:"thread_id"`
	Title        string `json:"title"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int64  `json:"message_count"`
}

type threadMessage struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	OriginPath  string `json:"origin_path,omitempty"`
	DisplayPath string `json:"display_path,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

type threadDetail struct {
	ThreadID    string          `json:"thread_id"`
	Title       string          `json:"title"`
	Messages    []threadMessage `json:"messages"`
	DisplayPath string          `json:"display_path,omitempty"`
}

type messageRequest struct {
	Text       string `json:"text"`
	OriginPath string `json:"origin_path,omitempty"`
	CaseID     string `json:"case_id,omitempty"`
	Role       string `json:"role,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

type analysisRequest struct {
	OwnerID    string `json:"owner_id,omitempty"`
	OriginPath string `json:"origin_path"`
	CaseID     string `json:"case_id,omitempty"`
	Question   string `json:"question,omitempty"`
}

type analysisResult struct {
	ThreadID   string `json:"thread_id"`
	WorkflowID string `json:"workflow_id"`
}

func (c *apiClient) Upload(ctx context.Context, path string, caseID string) (uploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return uploadResult{}, err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return uploadResult{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return uploadResult{}, err
	}
	if caseID != "" {
		if err := writer.WriteField("case_id", caseID); err != nil {
			return uploadResult{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return uploadResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", body)
	if err != nil {
		return uploadResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var result uploadResult
	return result, c.do(req, http.StatusOK, &result)
}

func (c *apiClient) CreateThread(ctx context.Context) (string, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/threads", map[string]string{"owner_id": c.ownerID})
	if err != nil {
		return "", err
	}
	var result struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.do(req, http.StatusCreated, &result); err != nil {
		return "", err
	}
	return result.ThreadID, nil
}

func (c *apiClient) ListThreads(ctx context.Context, limit int) ([]threadSummary, error) {
	query := url.Values{}
	if c.ownerID != "" {
		query.Set("owner_id", c.ownerID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/threads"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Threads []threadSummary `json:"threads"`
	}
	if err := c.do(req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Threads, nil
}

func (c *apiClient) GetThread(ctx context.Context, threadID string) (threadDetail, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil)
	if err != nil {
		return threadDetail{}, err
	}
	var result threadDetail
	return result, c.do(req, http.StatusOK, &result)
}

func (c *apiClient) DeleteThread(ctx context.Context, threadID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

// SendMessage posts a turn and hands every streamed event to onEvent until
// the terminal event arrives.
func (c *apiClient) SendMessage(ctx context.Context, threadID string, message messageRequest, onEvent func(events.Event) error) error {
	if message.OwnerID == "" {
		message.OwnerID = c.ownerID
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", message)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Turns can outlive the request timeout; the stream is bounded by ctx.
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return readEvents(resp.Body, onEvent)
}

func (c *apiClient) StartAnalysis(ctx context.Context, request analysisRequest) (analysisResult, error) {
	if request.OwnerID == "" {
		request.OwnerID = c.ownerID
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/analyses", request)
	if err != nil {
		return analysisResult{}, err
	}
	var result analysisResult
	return result, c.do(req, http.StatusAccepted, &result)
}

func (c *apiClient) newRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.ownerID != "" {
		req.Header.Set("X-Owner-ID", c.ownerID)
	}
	return req, nil
}

func (c *apiClient) newJSONRequest(ctx context.Context, method string, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *apiClient) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	return &apiError{Status: resp.StatusCode, Message: payload.Error}
}

// readEvents parses an SSE body. Only data lines carry events; ids, event
// names and keep-alive comments are skipped.
func readEvents(body io.Reader, onEvent func(events.Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := onEvent(event); err != nil {
			return err
		}
		if event.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
