// Package server — HTTP-сервер консоли оператора: сводка тенанта, графики баллов, живая лента алертов.
// Действия над алертами и аудитами остаются в API движка; консоль только читает.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/console/handler"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
)

// Pinger — проверка готовности хранилища для /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator
	ready         Pinger

	// Обработчики
	dashHandler   *handler.DashboardHandler   // /v1/dashboard, /v1/targets/{id}/history
	streamHandler *handler.AlertStreamHandler // /v1/alerts/stream (WebSocket)
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	ready Pinger,
	dashH *handler.DashboardHandler,
	streamH *handler.AlertStreamHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		ready:         ready,
		dashHandler:   dashH,
		streamHandler: streamH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.readyCheck)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		r.Use(auth.RequireScope(domain.ScopeAuditsRead))

		r.Get("/v1/dashboard", s.dashHandler.GetStats)
		r.Get("/v1/targets/{id}/history", s.dashHandler.TargetHistory)

		// WebSocket: токен и scope проверены выше, до апгрейда соединения
		r.Get("/v1/alerts/stream", s.streamHandler.Stream)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *ConsoleServer) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
