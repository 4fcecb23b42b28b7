package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/workflows"
)

type startAnalysisRequest struct {
	OwnerID    string `json:"owner_id"`
	OriginPath string `json:"origin_path"`
	CaseID     string `json:"case_id"`
	Question   string `json:"question"`
}

type startAnalysisResponse struct {
	ThreadID   string `json:"thread_id"`
	WorkflowID string `json:"workflow_id"`
}

// startAnalysis queues a background case analysis. The result lands in a new
// thread as a regular assistant message.
func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.analyses == nil {
		writeError(w, "background analysis is disabled", http.StatusServiceUnavailable)
		return
	}
	var req startAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	originRef := strings.TrimSpace(req.OriginPath)
	if originRef == "" {
		writeError(w, "origin_path is required", http.StatusBadRequest)
		return
	}
	if _, err := s.images.Resolve(originRef); err != nil {
		writeError(w, "image reference not found", http.StatusBadRequest)
		return
	}
	owner := ownerKey(r, req.OwnerID)
	if !s.limiter.Allow(owner) {
		s.metrics.RateLimited()
		writeError(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	threadID, err := s.sessions.CreateThread(r.Context(), owner)
	if err != nil {
		s.logger.Error("create_thread_failed", zap.Error(err))
		writeError(w, "could not create thread", http.StatusInternalServerError)
		return
	}
	workflowID, err := s.analyses.StartAnalysis(r.Context(), workflows.AnalysisInput{
		ThreadID:  threadID,
		OwnerID:   owner,
		OriginRef: originRef,
		CaseID:    strings.TrimSpace(req.CaseID),
		Question:  strings.TrimSpace(req.Question),
	})
	if err != nil {
		s.logger.Error("start_analysis_failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, "could not start analysis", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, startAnalysisResponse{ThreadID: threadID, WorkflowID: workflowID}, http.StatusAccepted)
}
