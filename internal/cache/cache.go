// Package cache keeps derived per-event data that is cheap to lose: completion
// percentages and the history of trigger fire times.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"matchsync/internal/match"
	"matchsync/internal/storage"
	logx "matchsync/pkg/logx"
)

const (
	DefaultCompletionTTL = 10 * time.Minute
	DefaultHistoryLen    = 50
)

type Config struct {
	// Driver is "memory" (default) or "redis".
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	CompletionTTL time.Duration
	HistoryLen    int
}

func (c Config) withDefaults() Config {
	if c.CompletionTTL <= 0 {
		c.CompletionTTL = DefaultCompletionTTL
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = DefaultHistoryLen
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "matchsync"
	}
	return c
}

// CompletionCache stores completion figures per event.
type CompletionCache interface {
	Get(ctx context.Context, id match.EventID) (storage.Completion, bool, error)
	Set(ctx context.Context, c storage.Completion) error
	Invalidate(ctx context.Context, id match.EventID) error
}

// TriggerHistory keeps the most recent fire times per event, newest first.
type TriggerHistory interface {
	Record(ctx context.Context, id match.EventID, at time.Time) error
	List(ctx context.Context, id match.EventID) ([]time.Time, error)
	Reset(ctx context.Context, id match.EventID) error
}

// Caches bundles both caches with the resources behind them.
type Caches struct {
	Completion CompletionCache
	History    TriggerHistory

	close func() error
}

func (c *Caches) Close() error {
	if c == nil || c.close == nil {
		return nil
	}
	return c.close()
}

// Open builds the configured caches. The redis driver pings the server first.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Caches, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return &Caches{
			Completion: NewMemoryCompletion(cfg.CompletionTTL, nil),
			History:    NewMemoryHistory(cfg.HistoryLen),
		}, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, errors.New("cache.redis_addr is required for redis driver")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info("redis cache connected", logx.String("addr", cfg.RedisAddr))
		return &Caches{
			Completion: NewRedisCompletion(client, cfg.KeyPrefix, cfg.CompletionTTL),
			History:    NewRedisHistory(client, cfg.KeyPrefix, cfg.HistoryLen),
			close:      client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", driver)
	}
}

// CompletionReader serves completion figures from the cache and recomputes
// them from storage on a miss. Cache failures fall through to storage.
type CompletionReader struct {
	Cache CompletionCache
	Store storage.Store
	Log   logx.Logger
}

func (r CompletionReader) Get(ctx context.Context, id match.EventID) (storage.Completion, error) {
	if r.Cache != nil {
		c, ok, err := r.Cache.Get(ctx, id)
		if err == nil && ok {
			return c, nil
		}
		if err != nil && !r.Log.IsZero() {
			r.Log.Warn("completion cache read failed", logx.EventID(int64(id)), logx.Err(err))
		}
	}
	c, err := r.Store.Completion(ctx, id)
	if err != nil {
		return storage.Completion{}, err
	}
	if r.Cache != nil {
		if err := r.Cache.Set(ctx, c); err != nil && !r.Log.IsZero() {
			r.Log.Warn("completion cache write failed", logx.EventID(int64(id)), logx.Err(err))
		}
	}
	return c, nil
}
