package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/app"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/config"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(cerr))
		}
	}()

	logger.Info("starting reportd",
		zap.Int("port", cfg.Server.Port),
		zap.Int("total_sections", cfg.Report.TotalSections),
	)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("reportd stopped")
	return nil
}
