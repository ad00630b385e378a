// Package app initializes and holds the long-lived services of the report
// progress service, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity/sinks"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/api"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/config"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/realtime"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/storage/memory"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/storage/postgres"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/store"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/stream"
	"github.com/abirangers/lbf-lunarai-web-v4/internal/telemetry"
)

// App owns every long-lived service: the store, the broker, the activity hub,
// and the HTTP server. Build wires them, Run serves, Close tears down.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repo   store.ReportRepository
	broker realtime.Broker
	hub    *activity.Hub
	server *http.Server

	pgStore     *postgres.ReportStore
	redisBroker *realtime.RedisBroker
}

// Build constructs the full service from configuration. An empty database DSN
// selects the in-memory store; an empty Redis URL keeps broadcasts in-process.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	if _, _, err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if cfg.Database.DSN != "" {
		pg, err := postgres.NewReportStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pgStore = pg
		a.repo = pg
		logger.Info("using postgres store")
	} else {
		a.repo = memory.NewReportStore()
		logger.Warn("no database DSN configured, using in-memory store")
	}

	registry := realtime.NewRegistry(cfg.Stream.ListenerBuffer, logger)
	if cfg.Redis.URL != "" {
		rb, err := realtime.NewRedisBroker(cfg.Redis.URL, registry, logger)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redisBroker = rb
		a.broker = rb
		logger.Info("using redis broker for broadcast fan-out")
	} else {
		a.broker = registry
	}

	var emitter activity.Emitter
	if cfg.Activity.Enabled {
		promSink, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("register activity metrics: %w", err)
		}
		sinkList := []activity.Sink{promSink}
		if cfg.Activity.LogEnabled {
			sinkList = append(sinkList, sinks.NewLogSink(logger))
		}
		a.hub = activity.NewHub(activity.Config{
			BufferSize:     cfg.Activity.BufferSize,
			MaxBatchEvents: cfg.Activity.MaxBatch,
			MaxBatchWait:   time.Duration(cfg.Activity.MaxWaitMs) * time.Millisecond,
			Logger:         logger,
		}, sinkList...)
		emitter = a.hub
	}

	streamer := stream.NewStreamer(a.repo, a.broker, emitter, stream.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxLifetime:          cfg.MaxSessionLifetime(),
		DefaultTotalSections: cfg.Report.TotalSections,
	}, logger)

	handler := api.NewReportHandler(a.repo, a.broker, streamer, emitter, cfg.Report.TotalSections, logger)
	server := api.NewServer(handler, telemetry.Handler(), cfg, logger)

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Handler(),
		// No WriteTimeout: streaming sessions outlive any fixed value and
		// enforce their own lifetime cap.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// Close releases every resource Build acquired.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close activity hub: %w", err))
		}
	}
	if a.redisBroker != nil {
		if err := a.redisBroker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis broker: %w", err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	return errors.Join(errs...)
}

// closePartial tears down whatever Build already acquired when a later step
// fails.
func (a *App) closePartial() {
	if a.redisBroker != nil {
		_ = a.redisBroker.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
