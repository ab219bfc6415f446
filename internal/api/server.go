// Package api — HTTP-вход движка: запуск и просмотр аудитов, цели, алерты, рекомендации.
// Тенант берется только из проверенного токена и явно передается в сервисы.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
	"github.com/xela07ax/siteaudit/internal/targets"
)

// Audits — то, что нужно API от движка.
type Audits interface {
	Submit(ctx context.Context, req engine.CreateRequest) (*domain.AuditRun, error)
	GetRun(ctx context.Context, tenantID, runID string) (*domain.AuditRun, error)
	RunDetails(ctx context.Context, tenantID, runID string) (*domain.AuditRun, []domain.MetricSample, error)
	CancelRun(ctx context.Context, tenantID, runID, reason string) (*domain.AuditRun, error)
	ListRuns(ctx context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error)
}

type Alerts interface {
	List(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	Get(ctx context.Context, tenantID, alertID string) (*domain.Alert, error)
	Apply(ctx context.Context, tenantID, alertID string, action domain.AlertAction, actorID string) (*domain.Alert, error)
}

type Recommendations interface {
	List(ctx context.Context, tenantID, runID string) ([]domain.Recommendation, error)
	Regenerate(ctx context.Context, tenantID, runID string) ([]domain.Recommendation, error)
	UpdateStatus(ctx context.Context, tenantID, recID string, next domain.RecommendationStatus) (*domain.Recommendation, error)
}

type Targets interface {
	Register(ctx context.Context, req targets.RegisterRequest) (*domain.Target, error)
	List(ctx context.Context, tenantID string) ([]domain.Target, error)
	Get(ctx context.Context, tenantID, targetID string) (*domain.Target, error)
}

// Transitions — журнал переходов (опционально).
type Transitions interface {
	ListTransitions(ctx context.Context, runID string) ([]domain.TransitionEvent, error)
}

// Pinger — проверка готовности хранилища для /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Audits          Audits
	Alerts          Alerts
	Recommendations Recommendations
	Targets         Targets
	Transitions     Transitions
	Ready           Pinger
	Validator       auth.TokenValidator
}

type Server struct {
	router *chi.Mux
	deps   Deps
	logger *zap.Logger
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// публичные
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.ready)

	// защищенный периметр (RS256)
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))

		r.Route("/v1/audits", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/", s.listAudits)
			r.With(auth.RequireScope(domain.ScopeAuditsWrite)).Post("/", s.createAudit)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/", s.getAudit)
				r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/transitions", s.auditTransitions)
				r.With(auth.RequireScope(domain.ScopeAuditsWrite)).Post("/cancel", s.cancelAudit)
				r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/recommendations", s.listRecommendations)
				r.With(auth.RequireScope(domain.ScopeRecommendations)).Post("/recommendations/regenerate", s.regenerateRecommendations)
			})
		})

		r.With(auth.RequireScope(domain.ScopeRecommendations)).
			Post("/v1/recommendations/{id}/status", s.updateRecommendationStatus)

		r.Route("/v1/targets", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/", s.listTargets)
			r.With(auth.RequireScope(domain.ScopeTargetsManage)).Post("/", s.createTarget)
			r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/{id}", s.getTarget)
		})

		r.Route("/v1/alerts", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/", s.listAlerts)
			r.With(auth.RequireScope(domain.ScopeAuditsRead)).Get("/{id}", s.getAlert)
			r.With(auth.RequireScope(domain.ScopeAlertsManage)).Post("/{id}/{action}", s.applyAlertAction)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// accessLog — структурный лог запросов вместо текстового middleware.Logger.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// principal — субъект запроса; middleware гарантирует его наличие в защищенной группе.
func principal(r *http.Request) domain.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
