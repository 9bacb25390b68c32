package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"matchsync/internal/match"
	"matchsync/internal/storage"
)

// RedisCompletion stores completion figures as JSON strings with a TTL.
type RedisCompletion struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCompletion(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCompletion {
	return &RedisCompletion{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCompletion) key(id match.EventID) string {
	return fmt.Sprintf("%s:event:%d:completion", r.prefix, id)
}

func (r *RedisCompletion) Get(ctx context.Context, id match.EventID) (storage.Completion, bool, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Completion{}, false, nil
	}
	if err != nil {
		return storage.Completion{}, false, err
	}
	var c storage.Completion
	if err := json.Unmarshal(b, &c); err != nil {
		return storage.Completion{}, false, fmt.Errorf("decoding completion: %w", err)
	}
	return c, true, nil
}

func (r *RedisCompletion) Set(ctx context.Context, c storage.Completion) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling completion: %w", err)
	}
	return r.client.Set(ctx, r.key(c.EventID), b, r.ttl).Err()
}

func (r *RedisCompletion) Invalidate(ctx context.Context, id match.EventID) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

// RedisHistory keeps fire times as a capped list of unix millis, newest first.
type RedisHistory struct {
	client redis.Cmdable
	prefix string
	limit  int
}

func NewRedisHistory(client redis.Cmdable, prefix string, limit int) *RedisHistory {
	if limit <= 0 {
		limit = DefaultHistoryLen
	}
	return &RedisHistory{client: client, prefix: prefix, limit: limit}
}

func (r *RedisHistory) key(id match.EventID) string {
	return fmt.Sprintf("%s:event:%d:triggers", r.prefix, id)
}

func (r *RedisHistory) Record(ctx context.Context, id match.EventID, at time.Time) error {
	key := r.key(id)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, at.UnixMilli())
	pipe.LTrim(ctx, key, 0, int64(r.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *RedisHistory) List(ctx context.Context, id match.EventID) ([]time.Time, error) {
	vals, err := r.client.LRange(ctx, r.key(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(vals))
	for _, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.UnixMilli(ms).UTC())
	}
	return out, nil
}

func (r *RedisHistory) Reset(ctx context.Context, id match.EventID) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
