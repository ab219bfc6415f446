package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/siteaudit/internal/engine"
)

// sweep — один проход планировщика из cron вместо встроенного тикера.
// Процесс ждет, пока запущенные аудиты дойдут до терминального состояния.
func newSweepCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale runs and start audits for due targets once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := cctx.ensure()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx := cmd.Context()

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

			p, err := buildPipeline(ctx, cfg, st, rdb, engine.NewMetrics(nil), logger)
			if err != nil {
				return err
			}
			p.start()

			sched := newScheduler(cfg.Scheduler, st, p.engine, rdb, logger)
			reclaimed, reclaimErr := sched.Reclaim(ctx)
			res, sweepErr := sched.Sweep(ctx)

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
			defer cancel()
			p.stop(stopCtx)

			if reclaimErr != nil {
				return fmt.Errorf("reclaim: %w", reclaimErr)
			}
			if sweepErr != nil {
				return fmt.Errorf("sweep: %w", sweepErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed=%d due=%d submitted=%d in_progress=%d denied=%d failed=%d\n",
				reclaimed, res.Due, res.Submitted, res.InProgress, res.Denied, res.Failed)
			return nil
		},
	}
}
