// Package runstore persists finished optimization runs in Redis so the
// auto-optimize loop and later invocations can compare against them
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ErrRunNotFound is returned when no run is stored under an ID
var ErrRunNotFound = errors.New("optimization run not found")

// Default settings
const (
	DefaultKeyPrefix = "labfunk:runs"
	opTimeout        = 2 * time.Second
)

// RedisStore keeps each run as a JSON string under <prefix>:<id> and orders
// them in the sorted set <prefix>:index by completion time
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewRedisStore creates a store over an existing client. A zero TTL keeps
// runs forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// NewRedisStoreFromConfig connects to Redis and verifies connectivity
func NewRedisStoreFromConfig(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.GetRedisAddr(), err)
	}

	log.Info().
		Str("addr", cfg.GetRedisAddr()).
		Str("key_prefix", cfg.KeyPrefix).
		Dur("ttl", cfg.TTL).
		Msg("Connected to run store")

	store := NewRedisStore(client, cfg.KeyPrefix, cfg.TTL)
	store.owned = true
	return store, nil
}

// Close closes the client when the store created it
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) runKey(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

// Save stores run and indexes it by completion time
func (s *RedisStore) Save(ctx context.Context, run *backtest.OptimizationRun) (err error) {
	defer func() { metrics.RecordRunStoreOperation("save", err == nil) }()

	if run == nil || run.ID == "" {
		return errors.New("run with an ID is required")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	completed := run.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, s.runKey(run.ID), data, s.ttl)
		pipe.ZAdd(opCtx, s.indexKey(), redis.Z{
			Score:  float64(completed.UnixMilli()),
			Member: run.ID,
		})
		if s.ttl > 0 {
			cutoff := time.Now().Add(-s.ttl).UnixMilli()
			pipe.ZRemRangeByScore(opCtx, s.indexKey(), "-inf", fmt.Sprintf("(%d", cutoff))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("bytes", len(data)).
		Msg("Stored optimization run")

	return nil
}

// Get loads a run by ID
func (s *RedisStore) Get(ctx context.Context, id string) (run *backtest.OptimizationRun, err error) {
	defer func() { metrics.RecordRunStoreOperation("get", err == nil || errors.Is(err, ErrRunNotFound)) }()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(opCtx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	return decodeRun(data)
}

// List returns up to limit runs, most recently completed first. Index
// entries whose run has expired are pruned.
func (s *RedisStore) List(ctx context.Context, limit int) (runs []*backtest.OptimizationRun, err error) {
	defer func() { metrics.RecordRunStoreOperation("list", err == nil) }()

	if limit <= 0 {
		return nil, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := s.client.ZRevRange(opCtx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(opCtx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		run, err := decodeRun([]byte(str))
		if err != nil {
			log.Warn().Err(err).Str("run_id", ids[i]).Msg("Skipping undecodable run")
			continue
		}
		runs = append(runs, run)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(opCtx, s.indexKey(), stale...).Err(); err != nil {
			log.Warn().Err(err).Int("count", len(stale)).Msg("Failed to prune expired runs from index")
		}
	}

	return runs, nil
}

// Latest returns the most recently completed run
func (s *RedisStore) Latest(ctx context.Context) (*backtest.OptimizationRun, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// Delete removes a run and its index entry
func (s *RedisStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.RecordRunStoreOperation("delete", err == nil) }()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Del(opCtx, s.runKey(id))
		pipe.ZRem(opCtx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

func decodeRun(data []byte) (*backtest.OptimizationRun, error) {
	var run backtest.OptimizationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}
