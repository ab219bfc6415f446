package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/targets"
)

// --- targets ---

type CreateTargetRequest struct {
	URL                string              `json:"url"`
	Profile            domain.ScoreProfile `json:"profile,omitempty"`
	MonitoringInterval string              `json:"monitoring_interval,omitempty"` // "24h"; пусто — только ручной запуск
}

// POST /v1/targets
func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req CreateTargetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var interval time.Duration
	if req.MonitoringInterval != "" {
		d, err := time.ParseDuration(req.MonitoringInterval)
		if err != nil {
			http.Error(w, "monitoring_interval must be a duration like 24h", http.StatusBadRequest)
			return
		}
		interval = d
	}

	t, err := s.deps.Targets.Register(r.Context(), targets.RegisterRequest{
		TenantID:           principal(r).TenantID,
		URL:                req.URL,
		Profile:            req.Profile,
		MonitoringInterval: interval,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GET /v1/targets
func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Targets.List(r.Context(), principal(r).TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Target{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /v1/targets/{id}
func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Targets.Get(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- alerts ---

// GET /v1/alerts?status=active&limit=...
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := domain.AlertStatus(r.URL.Query().Get("status")) // пусто — все
	list, err := s.deps.Alerts.List(r.Context(), principal(r).TenantID, status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /v1/alerts/{id}
func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /v1/alerts/{id}/{acknowledge|resolve|dismiss}
func (s *Server) applyAlertAction(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	action := domain.AlertAction(chi.URLParam(r, "action"))
	if _, _, err := action.Target(); err != nil {
		http.Error(w, "unknown alert action", http.StatusBadRequest)
		return
	}
	a, err := s.deps.Alerts.Apply(r.Context(), p.TenantID, chi.URLParam(r, "id"), action, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- recommendations ---

type RecommendationStatusRequest struct {
	Status domain.RecommendationStatus `json:"status"`
}

// GET /v1/audits/{id}/recommendations
func (s *Server) listRecommendations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Recommendations.List(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Recommendation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /v1/audits/{id}/recommendations/regenerate
func (s *Server) regenerateRecommendations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Recommendations.Regenerate(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Recommendation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /v1/recommendations/{id}/status
func (s *Server) updateRecommendationStatus(w http.ResponseWriter, r *http.Request) {
	var req RecommendationStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Recommendations.UpdateStatus(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
