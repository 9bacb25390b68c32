package config

import (
	"reflect"
	"strings"

	logx "matchsync/pkg/logx"
)

// SummarizeChange lists the sections that differ and safe attrs for logging.
// Secrets (tokens, passwords, DSNs) are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.escalate_offset", s.EscalateOffset),
			logx.String("scheduler.match_end_margin", s.MatchEndMargin),
			logx.String("scheduler.expiry", s.Expiry),
			logx.String("scheduler.max_backoff", s.MaxBackoff),
			logx.String("scheduler.reseed_spec", s.EffectiveReseedSpec()),
			logx.String("scheduler.timezone", s.Timezone),
		)
	}

	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.base_url", newCfg.Feed.BaseURL),
			logx.Float64("feed.rate_per_sec", newCfg.Feed.RatePerSec),
			logx.Int("feed.burst", newCfg.Feed.Burst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.driver", newCfg.Cache.Driver),
			logx.String("cache.redis_addr", newCfg.Cache.Redis.Addr),
			logx.Bool("cache.redis_password_set", newCfg.Cache.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin.HTTP, newCfg.Admin.HTTP) {
		h := newCfg.Admin.HTTP
		changed = append(changed, "admin.http")
		attrs = append(attrs,
			logx.Bool("admin.http.enabled", h.Enabled),
			logx.String("admin.http.addr", h.Addr),
			logx.Bool("admin.http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("admin.http.pprof", h.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin.Telegram, newCfg.Admin.Telegram) {
		tg := newCfg.Admin.Telegram
		changed = append(changed, "admin.telegram")
		attrs = append(attrs,
			logx.Bool("admin.telegram.enabled", tg.Enabled),
			logx.Int("admin.telegram.owner_count", len(tg.OwnerUserIDs)),
			logx.Bool("admin.telegram.token_changed", oldCfg.Admin.Telegram.Token != tg.Token),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.path", newCfg.Metrics.Path),
		)
	}
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
