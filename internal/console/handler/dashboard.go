package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	Tenant(ctx context.Context, tenantID string) (*domain.TenantDashboard, error)
	TargetHistory(ctx context.Context, tenantID, targetID string, limit int) ([]domain.ScorePoint, error)
}

type DashboardHandler struct {
	service DashboardService
	logger  *zap.Logger
}

func NewDashboardHandler(s DashboardService, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{service: s, logger: logger.Named("dashboard-handler")}
}

// GET /v1/dashboard
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	stats, err := h.service.Tenant(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("failed to build dashboard", zap.String("tenant_id", p.TenantID), zap.Error(err))
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// GET /v1/targets/{id}/history?limit=50
func (h *DashboardHandler) TargetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be in 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	p, _ := auth.PrincipalFrom(r.Context())
	points, err := h.service.TargetHistory(r.Context(), p.TenantID, chi.URLParam(r, "id"), limit)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "target not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("failed to fetch score history", zap.Error(err))
		http.Error(w, "Failed to fetch history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, points)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
