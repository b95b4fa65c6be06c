package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/devworker"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/logging"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" || cfg.StoreBackend == "" {
		logger.Fatal().Msg("devworker needs a shared store; set STORE_BACKEND to redis or postgres")
	}

	st, closeStore, err := jobstore.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	uploader, err := devworker.NewUploader(ctx, cfg.DevWorker)
	if err != nil {
		logger.Fatal().Err(err).Msg("init uploader")
	}

	kinds := make([]models.Kind, 0, len(cfg.SessionKinds))
	for _, n := range cfg.SessionKinds {
		if k := models.Kind(n); k.Valid() {
			kinds = append(kinds, k)
		}
	}
	proc := devworker.NewProcessor(cfg.DevWorker, st, kinds, uploader, logger)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metrics.Close()
	})
	g.Go(func() error {
		logger.Info().Str("store", cfg.StoreBackend).Dur("step_delay", cfg.DevWorker.StepDelay).Msg("devworker started")
		return proc.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("devworker stopped")
	}
}
