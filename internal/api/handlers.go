package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dbpulse/ingest/internal/auth"
	"github.com/dbpulse/ingest/internal/backend"
	"github.com/dbpulse/ingest/internal/encryption"
	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/store"
)

type issueTokenRequest struct {
	User        string `json:"user"`
	Hostname    string `json:"hostname"`
	ToolVersion string `json:"tool_version"`
}

// issueToken exchanges a valid API key for a short-lived collector token.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		respondError(w, http.StatusUnauthorized, "missing_api_key", "X-API-Key header is required")
		return
	}
	if _, err := s.authService.ValidateAPIKey(r.Context(), rawKey); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.User == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "user is required")
		return
	}

	token, err := s.authService.IssueToken(req.User, req.Hostname, req.ToolVersion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.cfg.Auth.TokenExpiry.Seconds()),
	})
}

func (s *Server) submitCheck(w http.ResponseWriter, r *http.Request) {
	var req models.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	// Structured findings are optional on the wire; fall back to parsing the
	// raw payload so metadata extraction still has something to walk.
	if req.StructuredFindings == nil && req.FindingsJSON != "" {
		var parsed models.JSONB
		if err := json.Unmarshal([]byte(req.FindingsJSON), &parsed); err == nil {
			req.StructuredFindings = parsed
		}
	}

	if identity, ok := auth.GetIdentity(r.Context()); ok {
		req.APIKeyID = identity.APIKeyID
		if req.SubmittedBy == "" {
			req.SubmittedBy = identity.User
		}
		if req.SubmittedHost == "" {
			req.SubmittedHost = identity.Hostname
		}
		if req.ToolVersion == "" {
			req.ToolVersion = identity.ToolVersion
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.SubmittedFromIP = host
	} else {
		req.SubmittedFromIP = r.RemoteAddr
	}

	result, err := s.backend.Submit(r.Context(), &req)
	if err != nil {
		var vErr *backend.ValidationError
		switch {
		case errors.As(err, &vErr):
			respondError(w, http.StatusBadRequest, "validation_error", vErr.Error())
		case errors.Is(err, backend.ErrSubmissionDisabled):
			respondError(w, http.StatusServiceUnavailable, "submissions_disabled",
				"Submissions are disabled on this deployment")
		default:
			s.logger.Error("submission failed", "company", req.TargetInfo.CompanyName, "error", err)
			respondError(w, http.StatusInternalServerError, "submit_error", "Submission failed")
		}
		return
	}

	status := http.StatusCreated
	if result.Status == models.SubmitAccepted {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filters := store.ListRunFilters{Limit: 50}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			filters.Limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filters.Offset = parsed
		}
	}
	if c := r.URL.Query().Get("company_id"); c != "" {
		if parsed, err := strconv.ParseInt(c, 10, 64); err == nil {
			filters.CompanyID = &parsed
		}
	}
	if tech := r.URL.Query().Get("technology"); tech != "" {
		filters.Technology = &tech
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if parsed, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = &parsed
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if parsed, err := time.Parse(time.RFC3339, until); err == nil {
			filters.Until = &parsed
		}
	}

	runs, total, err := s.store.ListRuns(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// getRunFindings decrypts and returns the stored findings payload. KMS
// outages surface as 503 so the caller knows to retry; the row itself is fine.
func (s *Server) getRunFindings(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}

	plaintext, err := s.repository.DecryptFindings(r.Context(), s.store.DB(), run)
	if err != nil {
		if errors.Is(err, encryption.ErrDecryptionUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "decryption_unavailable",
				"Key service temporarily unavailable, retry later")
			return
		}
		s.logger.Error("decrypting findings", "run_id", run.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "decryption_error", "Unable to decrypt findings")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   run.ID,
		"findings": json.RawMessage(plaintext),
	})
}

func (s *Server) listRunRules(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}

	rules, err := s.store.ListTriggeredRules(r.Context(), run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, rules)
}

func (s *Server) getTaskState(w http.ResponseWriter, r *http.Request) {
	aq, ok := s.backend.(*backend.AsyncQueue)
	if !ok {
		respondError(w, http.StatusBadRequest, "not_async",
			"Task tracking is only available with the async_queue backend")
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid task ID")
		return
	}

	state, err := aq.TaskState(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, "not_found", "Task not found")
		return
	}

	respondJSON(w, http.StatusOK, state)
}

func (s *Server) getBackendStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.backend.Status(r.Context()))
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetIngestCounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) runFromPath(w http.ResponseWriter, r *http.Request) (*models.HealthCheckRun, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return nil, false
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return nil, false
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return nil, false
	}

	return run, true
}
