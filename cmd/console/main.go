package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/console/handler"
	"github.com/xela07ax/siteaudit/internal/console/server"
	"github.com/xela07ax/siteaudit/internal/console/service"
	"github.com/xela07ax/siteaudit/internal/degradation"
	"github.com/xela07ax/siteaudit/internal/infra"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
	"github.com/xela07ax/siteaudit/internal/notify"
	"github.com/xela07ax/siteaudit/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Инициализация ресурсов
	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required for the console")
	}
	store, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()

	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}

	plans := admission.NewPlanCache(store, logger)
	if err := plans.Refresh(ctx); err != nil {
		logger.Fatal("load plans", zap.Error(err))
	}
	go plans.Run(ctx, cfg.Admission.PlanRefresh)

	// 2. Живая лента: алерты из Redis Pub/Sub раздаются WebSocket-подписчикам
	feed := service.NewAlertFeed(cfg.Notify.BufferSize, logger)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		go notify.Listen(ctx, rdb, logger, infra.RedisChanAlertsRaised,
			func(context.Context) error {
				// пока были отключены, алерты могли пройти мимо
				feed.Resync()
				return nil
			},
			feed.Publish,
		)
	} else {
		logger.Warn("redis.addr is empty, alert stream will only send snapshots")
	}

	// 3. Слои (Dependency Injection)
	dashService := service.NewDashboardService(store, plans, service.DashboardConfig{}, logger)
	alerts := degradation.NewService(store, nil, degradation.DefaultConfig(), logger)

	cs := server.NewConsoleServer(
		logger,
		auth.NewValidator(pub),
		store,
		handler.NewDashboardHandler(dashService, logger),
		handler.NewAlertStreamHandler(feed, alerts, 15*time.Second, logger),
	)

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:        cfg.Console.Addr(),
		Handler:     cs,
		ReadTimeout: cfg.Console.ReadTimeout,
		// Shutdown не ждет захваченные WebSocket-соединения: контексты запросов
		// наследуют ctx, и лента сама закрывает их по сигналу.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("console started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("console stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
