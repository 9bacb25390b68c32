package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReseedSpec runs Init periodically so missed schedules self-heal.
const DefaultReseedSpec = "@every 30m"

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every field that can be rejected without touching the
// outside world. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	s := cfg.Scheduler
	check("scheduler.escalate_offset", s.EscalateOffset)
	check("scheduler.match_end_margin", s.MatchEndMargin)
	check("scheduler.expiry", s.Expiry)
	check("scheduler.max_backoff", s.MaxBackoff)
	check("scheduler.fetch_timeout", s.FetchTimeout)
	check("scheduler.fire_timeout", s.FireTimeout)
	if spec := strings.TrimSpace(s.EffectiveReseedSpec()); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.reseed_spec: %w", err))
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		check("task_engine.default_timeout", te.DefaultTimeout)
		check("task_engine.max_queue_delay", te.MaxQueueDelay)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		if s.Enabled && te.Enabled != nil && !*te.Enabled {
			errs = append(errs, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	st := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
		}
		check("storage.busy_timeout", st.BusyTimeout)
	case "postgres", "postgresql":
		if strings.TrimSpace(st.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", st.Driver))
	}

	check("feed.timeout", cfg.Feed.Timeout)
	if cfg.Feed.RatePerSec < 0 || cfg.Feed.Burst < 0 {
		errs = append(errs, errors.New("feed: rate_per_sec and burst must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr is required when cache.driver=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver: %s", cfg.Cache.Driver))
	}
	check("cache.completion_ttl", cfg.Cache.CompletionTTL)

	h := cfg.Admin.HTTP
	check("admin.http.read_timeout", h.ReadTimeout)
	check("admin.http.write_timeout", h.WriteTimeout)
	check("admin.http.idle_timeout", h.IdleTimeout)

	tg := cfg.Admin.Telegram
	if tg.Enabled && strings.TrimSpace(tg.Token) == "" {
		errs = append(errs, errors.New("admin.telegram.token is required when admin.telegram.enabled=true"))
	}
	check("admin.telegram.poll_timeout", tg.PollTimeout)
	check("admin.telegram.command_timeout", tg.CommandTimeout)
	check("admin.telegram.alert_dedup", tg.AlertDedup)

	if cfg.Metrics.Enabled && !h.Enabled {
		errs = append(errs, errors.New("metrics.enabled requires admin.http.enabled"))
	}
	return errors.Join(errs...)
}

// EffectiveReseedSpec applies the default when reseed_spec is omitted.
func (s SchedulerConfig) EffectiveReseedSpec() string {
	if s.ReseedSpec == nil {
		return DefaultReseedSpec
	}
	return strings.TrimSpace(*s.ReseedSpec)
}
