package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/roster-sync/internal/archive"
	"github.com/example/roster-sync/internal/broadcast"
	"github.com/example/roster-sync/internal/config"
	"github.com/example/roster-sync/internal/httpapi"
	"github.com/example/roster-sync/internal/observability"
	"github.com/example/roster-sync/internal/session"
	"github.com/example/roster-sync/internal/types"
	"github.com/example/roster-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.AppName, cfg.LogLevel)
	observability.RegisterRuntimeCollectors(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	schemas, err := config.LoadSchemas(cfg.SchemaFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load schemas")
	}

	registry := session.NewRegistry(cfg.ViewIdleTimeout, nil, logger)
	registry.Start(ctx, time.Minute)

	backend := session.Backend{
		Loader:    resources.Store,
		Committer: resources.Store,
		Linked:    resources.Store,
		Notifier:  registry,
	}

	if resources.Redis != nil {
		broadcaster := broadcast.NewRedis(resources.Redis, func(evt types.CommitEvent) {
			registry.NotifyCommitted(evt)
		}, logger)
		broadcaster.Start(ctx)
		backend.Notifier = broadcaster
		logger.Info().Msg("commit broadcast enabled")
	}

	var archiveWorker *archive.Worker
	if resources.Object != nil {
		if err := archive.EnsureBucket(ctx, resources.Object, cfg.ObjectBucket, cfg.ObjectRegion); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare report bucket")
		}
		archiveWorker = archive.NewWorker(archive.NewMinioUploader(resources.Object, cfg.ObjectBucket), logger)
		archiveWorker.Start(ctx)
		backend.Reporter = archiveWorker
		logger.Info().Str("bucket", cfg.ObjectBucket).Msg("report archive enabled")
	}

	viewCfg := session.Config{
		QuietPeriod: cfg.AutosaveQuietPeriod,
		Concurrency: cfg.SaveConcurrency,
		Policy:      cfg.Policy(),
	}
	open := func(ctx context.Context, scope types.Scope, schema *types.Schema) (*session.View, error) {
		return session.Open(ctx, scope, schema, backend, viewCfg, logger)
	}

	stream := ws.NewStream(registry, logger, ws.StreamConfig{})
	handler := httpapi.NewHandler(registry, open, logger,
		httpapi.WithStream(stream),
		httpapi.WithImporter(resources.Store),
		httpapi.WithSchemas(schemas),
	)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("store", resources.Store.Driver()).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	registry.CloseAll()

	if archiveWorker != nil {
		select {
		case <-archiveWorker.Done():
		case <-shutdownCtx.Done():
			logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown; archive not drained")
		}
	}
	logger.Info().Msg("shutdown complete")
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
