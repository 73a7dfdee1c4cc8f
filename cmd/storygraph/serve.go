package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/api"
	"github.com/storygraph/backend/internal/api/handlers"
	"github.com/storygraph/backend/internal/metrics"
	"github.com/storygraph/backend/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting storygraph API server")

	svc, err := wire(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	metrics.Init()

	deps := map[string]handlers.Pinger{"sqlite": svc.db}
	if svc.neo4j != nil {
		deps["neo4j"] = svc.neo4j
	}
	if svc.redis != nil {
		deps["redis"] = svc.redis
	}

	app, stop := api.NewApp(api.Config{
		ReadTimeout:        time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:       time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:          cfg.Server.BodyLimit,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		MaxContentSize:     cfg.Server.MaxContentSize,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		Development:        cfg.Server.Development,
		AccessLog:          true,
	}, api.Handlers{
		Works:       handlers.NewWorkHandler(svc.db, svc.composer, svc.mirror),
		Articles:    handlers.NewArticleHandler(svc.processor, svc.db, svc.composer, svc.mirror),
		Maintenance: handlers.NewMaintenanceHandler(svc.reconciler),
		Health:      handlers.NewHealthHandler(deps),
	}, logger.GetLogger())
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}
