package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/engine"
	"github.com/surveyloop/quota-engine/internal/models"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "policy store not reachable")
		return
	}
	if err := s.counters.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "counter store not reachable")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Admission handlers

func (s *Server) handleCheckAdmission(w http.ResponseWriter, r *http.Request) {
	var req models.AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.SurveyID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "survey_id is required")
		return
	}

	if req.RespondentID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "respondent_id is required")
		return
	}

	decision, err := s.engine.Decide(r.Context(), &req)
	if err != nil {
		// A failed check is retryable. It is never collapsed into an
		// allow or a block.
		var loadErr *engine.PolicyLoadError
		var storeErr *counter.StoreError
		if errors.As(err, &loadErr) || errors.As(err, &storeErr) {
			slog.Error("admission check failed, retryable",
				"error", err,
				"survey_id", req.SurveyID,
				"respondent_id", req.RespondentID,
			)
			respondError(w, http.StatusServiceUnavailable, "check_unavailable", "admission check could not be completed, retry")
			return
		}
		slog.Error("admission check failed", "error", err, "survey_id", req.SurveyID)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to run admission check")
		return
	}

	respondJSON(w, http.StatusOK, decision)
}

// Policy handlers

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "policy id is required")
		return
	}

	policy, err := s.repo.GetPolicy(r.Context(), id)
	if err != nil {
		slog.Error("failed to get policy", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get policy")
		return
	}

	if policy == nil {
		respondError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}

	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleListSurveyPolicies(w http.ResponseWriter, r *http.Request) {
	surveyID := chi.URLParam(r, "surveyID")
	if surveyID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "survey id is required")
		return
	}

	questionID := r.URL.Query().Get("question_id")

	policies, err := s.repo.ListActivePolicies(r.Context(), surveyID, questionID)
	if err != nil {
		slog.Error("failed to list policies", "error", err, "survey_id", surveyID)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list policies")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// Counter handlers

// cellSnapshot joins a cell's static configuration with its live
// counter state for dashboard views.
type cellSnapshot struct {
	CellID       string     `json:"cell_id"`
	PolicyID     string     `json:"policy_id"`
	Label        string     `json:"label"`
	Cap          int64      `json:"cap"`
	CurrentCount int64      `json:"current_count"`
	CapReached   bool       `json:"cap_reached"`
	LastAdmitted *time.Time `json:"last_admitted_at,omitempty"`
}

func (s *Server) surveySnapshots(r *http.Request, surveyID string) ([]cellSnapshot, error) {
	cells, err := s.repo.ListCellsForSurvey(r.Context(), surveyID)
	if err != nil {
		return nil, err
	}

	snapshots := make([]cellSnapshot, 0, len(cells))
	for _, cell := range cells {
		ctr, err := s.counters.GetCounter(r.Context(), cell.ID)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, cellSnapshot{
			CellID:       cell.ID,
			PolicyID:     cell.PolicyID,
			Label:        cell.Label,
			Cap:          cell.Cap,
			CurrentCount: ctr.CurrentCount,
			CapReached:   ctr.CapReached,
			LastAdmitted: ctr.LastAdmittedAt,
		})
	}
	return snapshots, nil
}

func (s *Server) handleGetSurveyCounters(w http.ResponseWriter, r *http.Request) {
	surveyID := chi.URLParam(r, "surveyID")
	if surveyID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "survey id is required")
		return
	}

	snapshots, err := s.surveySnapshots(r, surveyID)
	if err != nil {
		slog.Error("failed to read counters", "error", err, "survey_id", surveyID)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to read counters")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"survey_id": surveyID,
		"cells":     snapshots,
		"total":     len(snapshots),
	})
}
