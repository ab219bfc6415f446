package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/api"
	"github.com/xela07ax/siteaudit/internal/engine"
	"github.com/xela07ax/siteaudit/internal/infra"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
	"github.com/xela07ax/siteaudit/internal/recommend"
	"github.com/xela07ax/siteaudit/internal/targets"
)

func newServeCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := cctx.ensure()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Инфраструктура и ресурсы
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Ядро и фоновые процессы
	p, err := buildPipeline(ctx, cfg, st, rdb, metrics, logger)
	if err != nil {
		return err
	}
	p.start()

	go p.plans.Run(ctx, cfg.Admission.PlanRefresh)

	if cfg.Recommend.Watch && cfg.Recommend.RulesPath != "" {
		go func() {
			if err := recommend.Watch(ctx, cfg.Recommend.RulesPath, p.rules, logger); err != nil {
				logger.Error("rule watcher stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		go newScheduler(cfg.Scheduler, st, p.engine, rdb, logger).Run(ctx)
	}

	// 3. HTTP
	handler := api.NewServer(api.Deps{
		Audits:          p.engine,
		Alerts:          p.alerts,
		Recommendations: p.recs,
		Targets:         targets.NewService(st, p.admission, logger),
		Transitions:     st,
		Ready:           st,
		Validator:       auth.NewValidator(pub),
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, metricsSrv} {
		go func(s *http.Server) {
			logger.Info("http server started", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	// 4. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	p.stop(shutdownCtx)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	logger.Info("auditd exited properly")
	return runErr
}
