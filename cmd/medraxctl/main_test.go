package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medivision/control-plane/internal/events"
)

func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCmd(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", serverURL, "--owner", "dr-1"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for i, line := range lines {
		fmt.Fprintf(w, "id: turn-1:%d\n", i+1)
		fmt.Fprint(w, ": keep-alive\n")
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
}

func TestUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload", r.URL.Path)
		require.Equal(t, "dr-1", r.Header.Get("X-Owner-ID"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		require.Equal(t, "pixels", string(body))
		require.Equal(t, "chest.png", header.Filename)
		require.Equal(t, "case-4", r.FormValue("case_id"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"origin_path":  "uploads/case-4/upload_1.png",
			"display_path": "/uploads/case-4/upload_1.png",
		})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "chest.png")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o600))

	out, err := execute(t, server.URL, "upload", path, "--case", "case-4")
	require.NoError(t, err)
	require.Contains(t, out, "origin:  uploads/case-4/upload_1.png")
	require.Contains(t, out, "display: /uploads/case-4/upload_1.png")
}

func TestUpload_MissingFile(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "upload", filepath.Join(t.TempDir(), "nope.png"))
	require.Error(t, err)
}

func TestThreadsList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads", r.URL.Path)
		require.Equal(t, "dr-1", r.URL.Query().Get("owner_id"))
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"threads":[{"thread_id":"t-1","title":"Effusion?","updated_at":"2026-01-02T00:00:00Z","message_count":4}]}`))
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "threads", "list", "--limit", "5")
	require.NoError(t, err)
	require.Contains(t, out, "THREAD")
	require.Contains(t, out, "t-1")
	require.Contains(t, out, "Effusion?")

	out, err = execute(t, server.URL, "--json", "threads", "list", "--limit", "5")
	require.NoError(t, err)
	var threads []threadSummary
	require.NoError(t, json.Unmarshal([]byte(out), &threads))
	require.Len(t, threads, 1)
	require.EqualValues(t, 4, threads[0].MessageCount)
}

func TestThreadsGetAndDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/threads/t-1":
			_, _ = w.Write([]byte(`{"thread_id":"t-1","title":"Effusion?","messages":[` +
				`{"id":"m1","role":"user","content":"Effusion?","origin_path":"uploads/a.png","status":"complete"},` +
				`{"id":"m2","role":"assistant","content":"No effusion.","display_path":"/artifacts/a.png","status":"complete"}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/threads/t-1":
			_, _ = w.Write([]byte(`{"thread_id":"t-1","deleted":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"thread not found"}`))
		}
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "threads", "get", "t-1")
	require.NoError(t, err)
	require.Contains(t, out, "[user] Effusion?")
	require.Contains(t, out, "image: uploads/a.png")
	require.Contains(t, out, "[assistant] No effusion.")
	require.Contains(t, out, "image: /artifacts/a.png")

	out, err = execute(t, server.URL, "threads", "delete", "t-1")
	require.NoError(t, err)
	require.Equal(t, "deleted t-1\n", out)

	_, err = execute(t, server.URL, "threads", "get", "t-9")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "thread not found", apiErr.Message)
}

func TestChat_CreatesThreadAndStreams(t *testing.T) {
	var posted messageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/threads":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"thread_id":"t-new"}`))
		case "/threads/t-new/messages":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			writeSSE(w,
				`{"thread_id":"t-new","turn_id":"turn-1","seq":1,"kind":"status","status":"running"}`,
				`{"thread_id":"t-new","turn_id":"turn-1","seq":2,"kind":"content-delta","text":"Findings: "}`,
				`{"thread_id":"t-new","turn_id":"turn-1","seq":3,"kind":"content-delta","text":"none."}`,
				`{"thread_id":"t-new","turn_id":"turn-1","seq":4,"kind":"display-image","display_path":"/artifacts/seg.png"}`,
				`{"thread_id":"t-new","turn_id":"turn-1","seq":5,"kind":"status","status":"completed"}`,
			)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "chat", "-i", "uploads/a.png", "-r", "doctor", "any", "effusion?")
	require.NoError(t, err)
	require.Equal(t, "any effusion?", posted.Text)
	require.Equal(t, "uploads/a.png", posted.OriginPath)
	require.Equal(t, "doctor", posted.Role)
	require.Equal(t, "dr-1", posted.OwnerID)
	require.Contains(t, out, "Findings: none.")
	require.Contains(t, out, "[image] /artifacts/seg.png")
}

func TestChat_TurnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"thread_id":"t-1","turn_id":"turn-1","seq":1,"kind":"status","status":"running"}`,
			`{"thread_id":"t-1","turn_id":"turn-1","seq":2,"kind":"error","error":"The assistant is temporarily unavailable. Please try again."}`,
		)
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "chat", "-t", "t-1", "hello")
	require.ErrorContains(t, err, "temporarily unavailable")
}

func TestChat_RejectedTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "chat", "-t", "t-1", "hello")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.Status)
}

func TestAnalyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyses", r.URL.Path)
		var req analysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, analysisRequest{OwnerID: "dr-1", OriginPath: "uploads/a.dcm", CaseID: "case-9", Question: "Pneumothorax?"}, req)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"thread_id":"t-5","workflow_id":"analysis:t-5"}`))
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "analyze", "uploads/a.dcm", "--case", "case-9", "-q", "Pneumothorax?")
	require.NoError(t, err)
	require.Equal(t, "analysis analysis:t-5 started in thread t-5\n", out)
}

func TestReadEvents_TruncatedStream(t *testing.T) {
	body := strings.NewReader("data: {\"kind\":\"status\",\"status\":\"running\"}\n\n")
	var seen int
	err := readEvents(body, func(event events.Event) error {
		seen++
		return nil
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, seen)
}
