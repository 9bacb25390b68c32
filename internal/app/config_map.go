package app

import (
	"strings"
	"time"

	"matchsync/internal/admin/httpapi"
	"matchsync/internal/admin/telegram"
	"matchsync/internal/cache"
	"matchsync/internal/config"
	"matchsync/internal/feed/openligadb"
	"matchsync/internal/match"
	"matchsync/internal/resultsync"
	"matchsync/internal/storage"
	"matchsync/internal/task/engine"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

const (
	defaultMaxBackoff  = 24 * time.Hour
	defaultFireTimeout = 2 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapLocatorConfig(cfg *config.Config) (match.LocatorConfig, error) {
	margin, err := config.ParseDurationOrDefault("scheduler.match_end_margin", cfg.Scheduler.MatchEndMargin, match.DefaultMatchEndMargin)
	if err != nil {
		return match.LocatorConfig{}, err
	}
	expiry, err := config.ParseDurationOrUnset("scheduler.expiry", cfg.Scheduler.Expiry, match.DefaultExpiry)
	if err != nil {
		return match.LocatorConfig{}, err
	}
	return match.LocatorConfig{MatchEndMargin: margin, Expiry: expiry}, nil
}

func mapSyncConfig(cfg *config.Config) (resultsync.Config, error) {
	s := cfg.Scheduler
	offset, err := config.ParseDurationField("scheduler.escalate_offset", s.EscalateOffset)
	if err != nil {
		return resultsync.Config{}, err
	}
	maxBackoff, err := config.ParseDurationOrUnset("scheduler.max_backoff", s.MaxBackoff, defaultMaxBackoff)
	if err != nil {
		return resultsync.Config{}, err
	}
	fetch, err := config.ParseDurationField("scheduler.fetch_timeout", s.FetchTimeout)
	if err != nil {
		return resultsync.Config{}, err
	}
	// A reseed run is bounded like a single fired cycle.
	reseed, err := config.ParseDurationOrDefault("scheduler.fire_timeout", s.FireTimeout, defaultFireTimeout)
	if err != nil {
		return resultsync.Config{}, err
	}
	return resultsync.Config{
		Enabled:        s.Enabled,
		EscalateOffset: offset,
		MaxBackoff:     maxBackoff,
		FetchTimeout:   fetch,
		ReseedSpec:     s.EffectiveReseedSpec(),
		ReseedTimeout:  reseed,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	fire, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, defaultFireTimeout)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), FireTimeout: fire}, nil
}

// mapTaskEngineConfig follows scheduler.enabled unless task_engine.enabled is set.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	workers := te.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapFeedConfig(cfg *config.Config) (openligadb.Config, error) {
	timeout, err := config.ParseDurationField("feed.timeout", cfg.Feed.Timeout)
	if err != nil {
		return openligadb.Config{}, err
	}
	return openligadb.Config{
		BaseURL:    strings.TrimSpace(cfg.Feed.BaseURL),
		Timeout:    timeout,
		RatePerSec: cfg.Feed.RatePerSec,
		Burst:      cfg.Feed.Burst,
		UserAgent:  strings.TrimSpace(cfg.Feed.UserAgent),
	}, nil
}

func mapCacheConfig(cfg *config.Config) (cache.Config, error) {
	ttl, err := config.ParseDurationField("cache.completion_ttl", cfg.Cache.CompletionTTL)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		Driver:        strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)),
		RedisAddr:     strings.TrimSpace(cfg.Cache.Redis.Addr),
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
		KeyPrefix:     strings.TrimSpace(cfg.Cache.KeyPrefix),
		CompletionTTL: ttl,
		HistoryLen:    cfg.Cache.HistoryLen,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.Admin.HTTP
	read, err := config.ParseDurationOrDefault("admin.http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile can run for 30s+.
	write, err := config.ParseDurationField("admin.http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		MetricsPath:   strings.TrimSpace(cfg.Metrics.Path),
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tg := cfg.Admin.Telegram
	poll, err := config.ParseDurationField("admin.telegram.poll_timeout", tg.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	cmd, err := config.ParseDurationField("admin.telegram.command_timeout", tg.CommandTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	dedup, err := config.ParseDurationOrUnset("admin.telegram.alert_dedup", tg.AlertDedup, 10*time.Minute)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Enabled:        tg.Enabled,
		Token:          strings.TrimSpace(tg.Token),
		OwnerIDs:       append([]int64(nil), tg.OwnerUserIDs...),
		PollTimeout:    poll,
		CommandTimeout: cmd,
		AlertTopics:    tg.AlertTopics,
		AlertRate:      tg.AlertRatePerSec,
		AlertDedup:     dedup,
	}, nil
}
