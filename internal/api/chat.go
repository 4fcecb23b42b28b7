package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/session"
)

type postMessageRequest struct {
	Text       string `json:"text"`
	OriginPath string `json:"origin_path"`
	CaseID     string `json:"case_id"`
	Role       string `json:"role"`
	OwnerID    string `json:"owner_id"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.runTurn(w, r, session.TurnRequest{
		ThreadID:  chi.URLParam(r, "id"),
		OwnerID:   ownerKey(r, req.OwnerID),
		Text:      req.Text,
		OriginRef: req.OriginPath,
		CaseID:    req.CaseID,
		Role:      req.Role,
	})
}

// chat accepts the form-encoded shape older clients post.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, "invalid form", http.StatusBadRequest)
		return
	}
	s.runTurn(w, r, session.TurnRequest{
		ThreadID:  r.FormValue("thread_id"),
		OwnerID:   ownerKey(r, r.FormValue("owner_id")),
		Text:      r.FormValue("message"),
		OriginRef: r.FormValue("image_path"),
		CaseID:    r.FormValue("case_id"),
		Role:      r.FormValue("role"),
	})
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, req session.TurnRequest) {
	if !s.limiter.Allow(req.OwnerID) {
		s.metrics.RateLimited()
		w.Header().Set("Retry-After", "1")
		writeError(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	stream, err := s.sessions.AppendTurn(r.Context(), req)
	var validation *session.ValidationError
	if errors.As(err, &validation) {
		writeError(w, validation.Message, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("append_turn_failed", zap.String("thread_id", req.ThreadID), zap.Error(err))
		writeError(w, "could not start turn", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Thread-ID", stream.ThreadID())
	s.streamTurn(w, r, stream)
}

// streamTurn relays one turn as SSE. A client that goes away detaches the
// stream; the turn itself keeps running.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		stream.Detach()
		writeError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(s.keepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			stream.Detach()
			s.logger.Info("client_detached",
				zap.String("thread_id", stream.ThreadID()),
				zap.String("turn_id", stream.TurnID()))
			return
		}
	}
}

func (s *Server) streamThreadEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	threadID := chi.URLParam(r, "id")
	ctx := r.Context()
	eventsChan := s.broker.Subscribe(ctx, threadID)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.keepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func sendSSE(w http.ResponseWriter, event events.Event) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.TurnID, event.Seq)
	fmt.Fprintf(w, "event: %s\n", event.Kind)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
