package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
)

// ErrorResponse — тело ответа об ошибке. Reason заполнен для отказов допуска.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusOf маппит доменные ошибки на HTTP-статусы.
func statusOf(err error) int {
	if reason, ok := domain.DenialOf(err); ok {
		switch reason {
		case domain.DenialNoActivePlan:
			return http.StatusForbidden
		case domain.DenialMonthlyQuotaExceeded:
			return http.StatusPaymentRequired
		case domain.DenialConcurrencyLimitExceeded:
			return http.StatusConflict
		case domain.DenialThrottled:
			return http.StatusTooManyRequests
		}
	}
	switch {
	// чужой ресурс неотличим от отсутствующего
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTenantMismatch):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuditAlreadyInProgress),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTargetInactive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWebsiteLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrPoolStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := ErrorResponse{Error: err.Error()}
	if reason, ok := domain.DenialOf(err); ok {
		body.Reason = string(reason)
	}
	if status == http.StatusInternalServerError {
		// детали внутренних ошибок наружу не отдаем
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
