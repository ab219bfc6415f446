package main

import (
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/infra"
)

// commandContext лениво читает конфиг и логгер один раз на процесс.
type commandContext struct {
	configFlag *string

	once   sync.Once
	cfg    *infra.Config
	logger *zap.Logger
	err    error
}

func (c *commandContext) ensure() (*infra.Config, *zap.Logger, error) {
	c.once.Do(func() {
		cfg, err := infra.LoadConfig(*c.configFlag)
		if err != nil {
			c.err = err
			return
		}
		logger, err := infra.NewLogger(cfg.Logger)
		if err != nil {
			c.err = err
			return
		}
		c.cfg, c.logger = cfg, logger
	})
	return c.cfg, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "auditd",
		Short:         "Site audit engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	return rootCmd
}
