package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

type createThreadRequest struct {
	OwnerID string `json:"owner_id"`
}

type threadSummaryResponse struct {
	ThreadID     string `json:"thread_id"`
	Title        string `json:"title"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int64  `json:"message_count"`
}

type listThreadsResponse struct {
	Threads []threadSummaryResponse `json:"threads"`
}

type messageResponse struct {
	ID          string         `json:"id"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	OriginPath  string         `json:"origin_path,omitempty"`
	DisplayPath string         `json:"display_path,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   string         `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type threadResponse struct {
	ThreadID    string            `json:"thread_id"`
	Title       string            `json:"title"`
	Messages    []messageResponse `json:"messages"`
	DisplayPath string            `json:"display_path,omitempty"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	req := createThreadRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	threadID, err := s.sessions.CreateThread(r.Context(), ownerKey(r, req.OwnerID))
	if err != nil {
		s.logger.Error("create_thread_failed", zap.Error(err))
		writeError(w, "could not create thread", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, map[string]string{"thread_id": threadID}, http.StatusCreated)
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	limit := defaultThreadLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxThreadLimit)
	}
	threads, err := s.sessions.ListThreads(r.Context(), ownerKey(r, r.URL.Query().Get("owner_id")), limit)
	if err != nil {
		s.logger.Error("list_threads_failed", zap.Error(err))
		writeError(w, "could not list threads", http.StatusInternalServerError)
		return
	}
	response := listThreadsResponse{Threads: make([]threadSummaryResponse, 0, len(threads))}
	for _, thread := range threads {
		response.Threads = append(response.Threads, threadSummaryResponse{
			ThreadID:     thread.ID,
			Title:        thread.Title,
			UpdatedAt:    thread.UpdatedAt,
			MessageCount: thread.MessageCount,
		})
	}
	writeJSONStatus(w, response, http.StatusOK)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	transcript, err := s.sessions.GetThread(r.Context(), threadID)
	if errors.Is(err, store.ErrThreadNotFound) {
		writeError(w, "thread not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get_thread_failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, "could not load thread", http.StatusInternalServerError)
		return
	}
	response := threadResponse{
		ThreadID:    transcript.Thread.ID,
		Title:       transcript.Thread.Title,
		Messages:    make([]messageResponse, 0, len(transcript.Messages)),
		DisplayPath: transcript.DisplayPath(),
	}
	for _, msg := range transcript.Messages {
		response.Messages = append(response.Messages, toMessageResponse(msg))
	}
	writeJSONStatus(w, response, http.StatusOK)
}

func toMessageResponse(msg store.Message) messageResponse {
	out := messageResponse{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Status:    msg.Status,
		CreatedAt: msg.CreatedAt,
		Metadata:  msg.Metadata,
	}
	if msg.Image != nil {
		out.DisplayPath = msg.Image.DisplayPath
		if msg.Role == store.RoleUser {
			out.OriginPath = msg.Image.OriginPath
		}
	}
	return out
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	err := s.sessions.ClearThread(r.Context(), threadID)
	var validation *session.ValidationError
	if errors.As(err, &validation) {
		writeError(w, validation.Message, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("clear_thread_failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, "could not delete thread", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, map[string]any{"thread_id": threadID, "deleted": true}, http.StatusOK)
}
