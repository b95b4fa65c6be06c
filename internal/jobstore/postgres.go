package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/models"
)

const notifyChannel = "job_records_changed"

// PostgresStore persists records as JSONB rows and fans out changes with LISTEN/NOTIFY.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classifyPg("connect postgres", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Submit implements Store.
func (s *PostgresStore) Submit(ctx context.Context, path string, rec models.JobRecord) (string, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	createdAt := rec.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", classifyPg("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	key := NewKey()
	tag, err := tx.Exec(ctx, `
		INSERT INTO job_records (key, partition, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key, path, data, createdAt)
	if err != nil {
		return "", classifyPg("insert record", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("submit: key %s already exists", key)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		return "", classifyPg("notify", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", classifyPg("commit", err)
	}
	return key, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, path string) (models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, record FROM job_records WHERE partition = $1 ORDER BY key
	`, path)
	if err != nil {
		return models.Snapshot{}, classifyPg("query records", err)
	}
	defer rows.Close()

	snap := models.Snapshot{Path: path}
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return models.Snapshot{}, classifyPg("scan record", err)
		}
		rec, err := decodeRecord(key, data)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping malformed record")
			continue
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return models.Snapshot{}, classifyPg("iterate records", err)
	}
	return snap, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, path, key string, patch models.Patch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPg("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `
		SELECT record FROM job_records WHERE partition = $1 AND key = $2 FOR UPDATE
	`, path, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobserr.New(jobserr.CodeNotFound, fmt.Sprintf("record %s not found under %s", key, path))
	}
	if err != nil {
		return classifyPg("select record", err)
	}
	rec, err := decodeRecord(key, data)
	if err != nil {
		return err
	}
	updated, err := encodeRecord(patch.Apply(rec))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_records SET record = $3, updated_at = NOW() WHERE partition = $1 AND key = $2
	`, path, key, updated); err != nil {
		return classifyPg("update record", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		return classifyPg("notify", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPg("commit", err)
	}
	return nil
}

// Subscribe implements Store. Each subscription holds one pooled connection in LISTEN mode.
func (s *PostgresStore) Subscribe(ctx context.Context, path string, onChange OnChange) (Unsubscribe, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyPg("acquire listener", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, classifyPg("listen", err)
	}
	snap, err := s.Get(ctx, path)
	if err != nil {
		conn.Release()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var once sync.Once
	unsubscribe := func() {
		once.Do(cancel)
	}

	onChange(snap)

	go func() {
		defer func() {
			cleanup, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			if _, err := conn.Exec(cleanup, "UNLISTEN "+notifyChannel); err != nil {
				// Do not hand a connection still in LISTEN mode back to the pool.
				_ = conn.Conn().Close(cleanup)
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					s.logger.Error().Err(err).Str("path", path).Msg("listener stopped")
				}
				return
			}
			if n.Payload != path {
				continue
			}
			snap, err := s.Get(subCtx, path)
			if err != nil {
				if subCtx.Err() == nil {
					s.logger.Error().Err(err).Str("path", path).Msg("refresh snapshot")
				}
				continue
			}
			if subCtx.Err() != nil {
				return
			}
			onChange(snap)
		}
	}()
	return unsubscribe, nil
}

// classifyPg maps pgx errors onto the store error taxonomy.
func classifyPg(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501", "28000", "28P01":
			return jobserr.Wrap(jobserr.CodePermissionDenied, op, err)
		}
	}
	return jobserr.Wrap(jobserr.CodeStoreUnavailable, op, err)
}
