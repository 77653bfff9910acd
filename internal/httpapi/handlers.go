package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/pipeline"
)

// jobView is the wire shape of an analysis job.
type jobView struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	AnalysisType analysis.Type     `json:"analysis_type"`
	PlanTier     analysis.PlanTier `json:"plan_tier"`
	Status       analysis.Status   `json:"status"`
	ProviderID   string            `json:"provider_id,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
	CostUSD      float64           `json:"cost_usd,omitempty"`
	ErrorReason  string            `json:"error_reason,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func viewOf(j *analysis.Job) jobView {
	return jobView{
		ID:           j.ID,
		SessionID:    j.SessionID,
		AnalysisType: j.Type,
		PlanTier:     j.PlanTier,
		Status:       j.Status,
		ProviderID:   j.ProviderID,
		InputTokens:  j.InputTokens,
		OutputTokens: j.OutputTokens,
		CostUSD:      j.CostUSD,
		ErrorReason:  j.ErrorReason,
		Result:       j.Result,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type enqueueRequest struct {
	AnalysisType analysis.Type     `json:"analysis_type"`
	PlanTier     analysis.PlanTier `json:"plan_tier"`
}

// handleEnqueue creates a background analysis job. A duplicate request for
// an in-flight (session, type) pair coalesces: 409 with the existing job.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.AnalysisType.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown analysis_type")
		return
	}
	if req.PlanTier == "" {
		req.PlanTier = analysis.PlanFree
	}
	if !req.PlanTier.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown plan_tier")
		return
	}

	job, err := s.enqueuer.Enqueue(r.Context(), sessionID, req.AnalysisType, req.PlanTier)
	switch {
	case errors.Is(err, analysis.ErrJobConflict):
		writeJSON(w, http.StatusConflict, viewOf(job))
	case errors.Is(err, pipeline.ErrPlanDenied):
		writeError(w, http.StatusForbidden, "analysis type not available on this plan")
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case err != nil:
		observe.Logger(r.Context()).Error("enqueue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, viewOf(job))
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		observe.Logger(r.Context()).Error("list jobs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	switch {
	case errors.Is(err, analysis.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		observe.Logger(r.Context()).Error("get job failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, viewOf(job))
	}
}

// handleCancel requests cooperative cancellation. Pending jobs cancel
// immediately; running jobs cancel at the executor's next checkpoint.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.RequestCancel(r.Context(), chi.URLParam(r, "job_id"))
	switch {
	case errors.Is(err, analysis.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, analysis.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		observe.Logger(r.Context()).Error("cancel failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
	}
}

func (s *Server) handleGetSpeakers(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.store.SpeakerAssignments(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		observe.Logger(r.Context()).Error("get speakers failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(assignments) == 0 {
		writeError(w, http.StatusNotFound, "no speaker assignments for job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": assignments})
}

type overrideRequest struct {
	Roles map[string]analysis.Role `json:"roles"`
}

// handleOverrideSpeakers applies manual role corrections. Overridden rows
// survive later automatic re-runs.
func (s *Server) handleOverrideSpeakers(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Roles) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for speakerID, role := range req.Roles {
		if !role.IsValid() {
			writeError(w, http.StatusUnprocessableEntity, "unknown role for speaker "+speakerID)
			return
		}
	}

	updated, err := s.store.OverrideSpeakerAssignments(r.Context(), jobID, req.Roles)
	if err != nil {
		observe.Logger(r.Context()).Error("speaker override failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if updated == 0 {
		writeError(w, http.StatusNotFound, "no matching speaker assignments")
		return
	}

	assignments, err := s.store.SpeakerAssignments(r.Context(), jobID)
	if err != nil {
		observe.Logger(r.Context()).Error("get speakers failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "speakers": assignments})
}
