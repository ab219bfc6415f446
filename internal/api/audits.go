package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
)

type CreateAuditRequest struct {
	TargetID string              `json:"target_id"`
	Kind     domain.AuditKind    `json:"kind,omitempty"`    // manual (по умолчанию) или api
	Profile  domain.ScoreProfile `json:"profile,omitempty"` // пусто — профиль цели
}

// AuditResponse — run и, для GET, его классифицированные сэмплы.
type AuditResponse struct {
	Run     *domain.AuditRun      `json:"run"`
	Samples []domain.MetricSample `json:"samples,omitempty"`
}

type CancelAuditRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/audits
func (s *Server) createAudit(w http.ResponseWriter, r *http.Request) {
	var req CreateAuditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.KindManual
	}
	if kind == domain.KindScheduled {
		// scheduled ставит только планировщик
		s.writeError(w, r, fmt.Errorf("kind %q is reserved: %w", kind, domain.ErrInvalidArgument))
		return
	}

	p := principal(r)
	run, err := s.deps.Audits.Submit(r.Context(), engine.CreateRequest{
		TenantID:      p.TenantID,
		TargetID:      req.TargetID,
		Kind:          kind,
		TriggerSource: p.UserID,
		Profile:       req.Profile,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AuditResponse{Run: run})
}

// GET /v1/audits?target_id=...&limit=...
func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Audits.ListRuns(r.Context(), principal(r).TenantID, r.URL.Query().Get("target_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []domain.AuditRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GET /v1/audits/{id}
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	run, samples, err := s.deps.Audits.RunDetails(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Run: run, Samples: samples})
}

// POST /v1/audits/{id}/cancel
func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	var req CancelAuditRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	run, err := s.deps.Audits.CancelRun(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Run: run})
}

// GET /v1/audits/{id}/transitions
func (s *Server) auditTransitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transitions == nil {
		http.Error(w, "transition journal is not configured", http.StatusNotImplemented)
		return
	}
	run, err := s.deps.Audits.GetRun(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Transitions.ListTransitions(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit %q: %w", raw, domain.ErrInvalidArgument)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
