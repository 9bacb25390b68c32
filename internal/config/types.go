package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("1s", "5m", "168h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs sync cycles.
	// If omitted, the engine follows scheduler.enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage StorageConfig `json:"storage"`
	Feed    FeedConfig    `json:"feed"`
	Cache   CacheConfig   `json:"cache"`
	Admin   AdminConfig   `json:"admin"`
	Metrics MetricsConfig `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls result synchronization.
//
// Defaults (when fields are omitted/empty):
//   - escalate_offset: "1s"
//   - match_end_margin: "105m"
//   - expiry: "168h" ("0s" disables retries after a futile attempt)
//   - max_backoff: "24h"
//   - fetch_timeout: "30s"
//   - fire_timeout: "2m" (also bounds one periodic reseed run)
//   - reseed_spec: "@every 30m" ("" disables the periodic reseed)
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	EscalateOffset string `json:"escalate_offset,omitempty"`
	MatchEndMargin string `json:"match_end_margin,omitempty"`
	Expiry         string `json:"expiry,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
	FireTimeout    string `json:"fire_timeout,omitempty"`

	// ReseedSpec is a pointer so an explicit "" can disable the reseed.
	ReseedSpec *string `json:"reseed_spec,omitempty"`

	// Timezone is the IANA zone the reseed cron spec is evaluated in.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults:
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the match store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./matchsync.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`

	// DSN is a postgres connection string (do not log).
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// FeedConfig controls the OpenLigaDB client.
type FeedConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
}

type CacheConfig struct {
	Driver        string      `json:"driver,omitempty"` // memory | redis
	Redis         RedisConfig `json:"redis,omitempty"`
	KeyPrefix     string      `json:"key_prefix,omitempty"`
	CompletionTTL string      `json:"completion_ttl,omitempty"`
	HistoryLen    int         `json:"history_len,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

type AdminConfig struct {
	HTTP     HTTPConfig     `json:"http"`
	Telegram TelegramConfig `json:"telegram"`
}

// HTTPConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool    `json:"enabled"`
	Token          string  `json:"token,omitempty"`
	OwnerUserIDs   []int64 `json:"owner_user_ids"`
	PollTimeout    string  `json:"poll_timeout,omitempty"`
	CommandTimeout string  `json:"command_timeout,omitempty"`

	// AlertTopics are event bus prefixes forwarded to owners
	// (default: sync.expired, sync.schedule_failed).
	AlertTopics     []string `json:"alert_topics,omitempty"`
	AlertRatePerSec float64  `json:"alert_rate_per_sec,omitempty"`
	AlertDedup      string   `json:"alert_dedup,omitempty"`
}

// MetricsConfig exposes Prometheus metrics on the admin HTTP server.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}
