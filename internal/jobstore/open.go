package jobstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/config"
)

// Open builds the store selected by cfg.StoreBackend. The returned func releases it.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return NewMemoryStore(), func() {}, nil
	case "redis":
		st := NewRedisStore(cfg, logger)
		if err := st.client.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, nil, classify("ping redis", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		st, err := NewPostgresStore(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
