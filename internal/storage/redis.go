package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

const defaultRedisPrefix = "postflow:opt:"

// RedisOptimization stores one JSON value per platform and implements the
// compare-and-swap with WATCH/MULTI.
type RedisOptimization struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg RedisConfig, log logx.Logger) (*RedisOptimization, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisOptimization(rdb, cfg.KeyPrefix, log), nil
}

func NewRedisOptimization(rdb *redis.Client, prefix string, log logx.Logger) *RedisOptimization {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisOptimization{rdb: rdb, prefix: prefix, log: log}
}

func (r *RedisOptimization) Close() error { return r.rdb.Close() }

func (r *RedisOptimization) key(platformID string) string { return r.prefix + platformID }

func (r *RedisOptimization) GetByPlatform(ctx context.Context, platformID string) (posts.TimeOptimization, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(platformID)).Bytes()
	return decodeRedisOpt(raw, err)
}

func decodeRedisOpt(raw []byte, err error) (posts.TimeOptimization, bool, error) {
	if errors.Is(err, redis.Nil) {
		return posts.TimeOptimization{}, false, nil
	}
	if err != nil {
		return posts.TimeOptimization{}, false, err
	}
	var rec posts.TimeOptimization
	if err := json.Unmarshal(raw, &rec); err != nil {
		return posts.TimeOptimization{}, false, fmt.Errorf("decode optimization: %w", err)
	}
	return rec, true, nil
}

func (r *RedisOptimization) Upsert(ctx context.Context, next posts.TimeOptimization, prev *posts.TimeOptimization) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	key := r.key(next.PlatformID)

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := decodeRedisOpt(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		if prev == nil && ok {
			return posts.ErrConflict
		}
		if prev != nil && (!ok || cur.EngagementScore != prev.EngagementScore) {
			return posts.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return posts.ErrConflict
	}
	return err
}
