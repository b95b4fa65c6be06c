package jobstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/models"
)

// RedisStore keeps each collection in a hash and fans out changes over pub/sub.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore builds a store client from config.
func NewRedisStore(cfg config.Config, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStoreWithClient(client, cfg.RedisKeyPrefix, logger)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

// Client exposes the connection for components sharing it, such as the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) collectionKey(path string) string {
	return fmt.Sprintf("%s:%s", s.prefix, path)
}

func (s *RedisStore) channel(path string) string {
	return fmt.Sprintf("%s:%s:changed", s.prefix, path)
}

// Submit implements Store.
func (s *RedisStore) Submit(ctx context.Context, path string, rec models.JobRecord) (string, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	key := NewKey()
	pipe := s.client.TxPipeline()
	added := pipe.HSetNX(ctx, s.collectionKey(path), key, data)
	pipe.Publish(ctx, s.channel(path), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", classify("submit", err)
	}
	if !added.Val() {
		return "", fmt.Errorf("submit: key %s already exists under %s", key, path)
	}
	return key, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, path string) (models.Snapshot, error) {
	raw, err := s.client.HGetAll(ctx, s.collectionKey(path)).Result()
	if err != nil {
		return models.Snapshot{}, classify("get", err)
	}
	recs := make([]models.JobRecord, 0, len(raw))
	for key, data := range raw {
		rec, err := decodeRecord(key, []byte(data))
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping malformed record")
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return models.Snapshot{Path: path, Records: recs}, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, path, key string, patch models.Patch) error {
	data, err := s.client.HGet(ctx, s.collectionKey(path), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return jobserr.New(jobserr.CodeNotFound, fmt.Sprintf("record %s not found under %s", key, path))
	}
	if err != nil {
		return classify("update", err)
	}
	rec, err := decodeRecord(key, data)
	if err != nil {
		return err
	}
	updated, err := encodeRecord(patch.Apply(rec))
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.collectionKey(path), key, updated)
	pipe.Publish(ctx, s.channel(path), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("update", err)
	}
	return nil
}

// Subscribe implements Store. The returned Unsubscribe does not wait for an in-flight delivery.
func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange OnChange) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify("subscribe", err)
	}
	snap, err := s.Get(ctx, path)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	onChange(snap)
	if subCtx.Err() != nil {
		return unsubscribe, nil
	}

	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			}
			// Coalesce a burst of writes into one fetch.
			drained := true
			for drained {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				default:
					drained = false
				}
			}
			snap, err := s.refresh(subCtx, path)
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

const (
	refreshAttempts   = 5
	refreshBackoff    = 50 * time.Millisecond
	refreshMaxBackoff = 2 * time.Second
)

// refresh fetches path after a change notice. A change is only announced
// once, so transient failures are retried before giving up.
func (s *RedisStore) refresh(ctx context.Context, path string) (models.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(refreshDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.Snapshot{}, ctx.Err()
			case <-timer.C:
			}
		}
		snap, err := s.Get(ctx, path)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !jobserr.Retryable(err) || ctx.Err() != nil {
			return models.Snapshot{}, err
		}
		s.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("refresh failed, retrying")
	}
	return models.Snapshot{}, lastErr
}

func refreshDelay(attempt int) time.Duration {
	wait := refreshBackoff << (attempt - 1)
	if wait > refreshMaxBackoff || wait <= 0 {
		wait = refreshMaxBackoff
	}
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
}

// classify maps go-redis errors onto the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, prefix := range []string{"NOPERM", "NOAUTH", "WRONGPASS"} {
		if strings.HasPrefix(msg, prefix) {
			return jobserr.Wrap(jobserr.CodePermissionDenied, op, err)
		}
	}
	return jobserr.Wrap(jobserr.CodeStoreUnavailable, op, err)
}
