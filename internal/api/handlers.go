package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/guardline/dlp/internal/auth"
	"github.com/guardline/dlp/internal/bundle"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/normalizer"
	"github.com/guardline/dlp/internal/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	pair, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	pair, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken); err != nil {
		respondError(w, http.StatusInternalServerError, "logout_failed", "Failed to revoke token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// submitEvent ingests one normalized event from an agent. With ?sync=true the
// full chain runs before responding and the execution summary is returned, so
// the agent can enforce block and redact verdicts inline.
func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var sub normalizer.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid event payload")
		return
	}

	agentID, _ := auth.GetAgentFromContext(r.Context())
	if sub.AgentID == "" {
		sub.AgentID = agentID
	}
	if sub.AgentID != agentID {
		respondError(w, http.StatusForbidden, "agent_mismatch", "Submission agent_id does not match credentials")
		return
	}

	ev, err := normalizer.FromSubmission(&sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		summary, err := s.ingest.ProcessSync(r.Context(), ev)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "processing_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, summary)
		return
	}

	if err := s.ingest.Submit(r.Context(), ev); err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.ID})
}

func (s *Server) getPolicyBundle(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	authedID, _ := auth.GetAgentFromContext(r.Context())
	if agentID != authedID {
		respondError(w, http.StatusForbidden, "agent_mismatch", "Agents may only fetch their own bundle")
		return
	}

	platform := r.URL.Query().Get("platform")
	if platform == "" {
		platform = "linux"
	}
	if !bundle.SupportedPlatform(platform) {
		respondError(w, http.StatusBadRequest, "unknown_platform", "Unsupported platform: "+platform)
		return
	}

	policies, err := s.store.ListEnabledPolicies(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to load policies")
		return
	}
	respondJSON(w, http.StatusOK, bundle.Build(agentID, platform, policies))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter := store.EventFilter{
		SourceType: models.SourceType(r.URL.Query().Get("source_type")),
		AgentID:    r.URL.Query().Get("agent_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("blocked"); v != "" {
		b := v == "true"
		filter.Blocked = &b
	}
	if v := r.URL.Query().Get("flagged"); v != "" {
		b := v == "true"
		filter.Flagged = &b
	}

	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to list events")
		return
	}
	respondJSONWithMeta(w, http.StatusOK, events, &apiMeta{
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to load event")
		return
	}
	if ev == nil {
		respondError(w, http.StatusNotFound, "not_found", "Event not found")
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) getEventSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetSummary(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to load summary")
		return
	}
	if summary == nil {
		respondError(w, http.StatusNotFound, "not_found", "No execution summary for event")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	alerts, err := s.store.ListAlerts(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to list alerts")
		return
	}
	respondJSONWithMeta(w, http.StatusOK, alerts, &apiMeta{Limit: limit, Offset: offset})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListEnabledPolicies(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", "Failed to list policies")
		return
	}
	respondJSON(w, http.StatusOK, policies)
}

type enrollRequest struct {
	Platform string `json:"platform"`
}

func (s *Server) enrollAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if !bundle.SupportedPlatform(req.Platform) {
		respondError(w, http.StatusBadRequest, "unknown_platform", "Unsupported platform: "+req.Platform)
		return
	}

	key, err := s.authService.EnrollAgent(r.Context(), agentID, req.Platform)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusConflict, "enroll_failed", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "enroll_failed", "Failed to enroll agent")
		return
	}
	// The raw key is returned exactly once.
	respondJSON(w, http.StatusCreated, map[string]string{
		"agent_id": agentID,
		"api_key":  key,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
