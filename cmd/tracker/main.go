package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	api "memecraft-jobsync/internal/api"
	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/devworker"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/logging"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/notify"
	"memecraft-jobsync/internal/ratelimit"
	"memecraft-jobsync/internal/session"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("tracker stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, closeStore, err := jobstore.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	kinds, err := parseKinds(cfg.SessionKinds)
	if err != nil {
		return err
	}

	board := notify.NewBoard(logger)
	sessions := make([]*session.Session, 0, len(kinds))
	for _, kind := range kinds {
		s, err := session.New(session.Config{
			Kind:    kind,
			Store:   st,
			Surface: board,
			Window:  cfg.HistoryWindow,
			Dispatcher: notify.Options{
				SuccessDuration: cfg.SuccessToastDuration,
				ErrorDuration:   cfg.ErrorToastDuration,
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
	}
	manager, err := session.NewManager(sessions...)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Close()

	var limiter *ratelimit.TokenBucket
	if rs, ok := st.(*jobstore.RedisStore); ok && cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(rs.Client(), cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
	}

	server := api.New(cfg, manager, board, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// An in-memory store is private to this process, so the stand-in worker runs here too.
	var proc *devworker.Processor
	if _, ok := st.(*jobstore.MemoryStore); ok {
		uploader, err := devworker.NewUploader(ctx, cfg.DevWorker)
		if err != nil {
			return err
		}
		proc = devworker.NewProcessor(cfg.DevWorker, st, kinds, uploader, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Str("store", cfg.StoreBackend).Msg("tracker listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if proc != nil {
		g.Go(func() error {
			return proc.Run(gctx)
		})
	}

	return g.Wait()
}

func parseKinds(names []string) ([]models.Kind, error) {
	kinds := make([]models.Kind, 0, len(names))
	for _, n := range names {
		k := models.Kind(n)
		if !k.Valid() {
			return nil, errors.New("unknown session kind " + n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
