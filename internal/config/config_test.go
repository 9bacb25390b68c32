package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  expiry: 0s
  max_backoff: 12h
  timezone: Europe/Berlin
storage:
  driver: sqlite
  path: ./matchsync.db
feed:
  rate_per_sec: 1.5
cache:
  driver: redis
  redis:
    addr: ${MATCHSYNC_TEST_REDIS_ADDR}
admin:
  http:
    enabled: true
    token: s3cret
  telegram:
    enabled: false
    owner_user_ids: [1, 2]
metrics:
  enabled: true
`

func TestDecodeYAML(t *testing.T) {
	t.Setenv("MATCHSYNC_TEST_REDIS_ADDR", "localhost:6379")
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "0s", cfg.Scheduler.Expiry)
	assert.Equal(t, DefaultReseedSpec, cfg.Scheduler.EffectiveReseedSpec())
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, []int64{1, 2}, cfg.Admin.Telegram.OwnerUserIDs)
	assert.InDelta(t, 1.5, cfg.Feed.RatePerSec, 0.001)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("cfg.json", []byte(`{"scheduler":{"enabled":true,"legacy":1}}`))
	assert.Error(t, err)

	_, err = Decode("cfg.json", []byte(`{} {}`))
	assert.Error(t, err)

	_, err = Decode("cfg.yaml", []byte("a: 1\n---\nb: 2\n"))
	assert.Error(t, err)

	cfg, err := Decode("cfg.yml", nil)
	require.NoError(t, err)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestReseedSpecCanBeDisabled(t *testing.T) {
	cfg, err := Decode("cfg.json", []byte(`{"scheduler":{"reseed_spec":""}}`))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Scheduler.EffectiveReseedSpec())
}

func TestValidate(t *testing.T) {
	bad := "soon"
	cases := []struct {
		name string
		cfg  Config
	}{
		{"duration", Config{Scheduler: SchedulerConfig{MaxBackoff: "1 day"}}},
		{"negative duration", Config{Scheduler: SchedulerConfig{Expiry: "-1h"}}},
		{"cron", Config{Scheduler: SchedulerConfig{ReseedSpec: &bad}}},
		{"timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}},
		{"sqlite path", Config{Storage: StorageConfig{Driver: "sqlite"}}},
		{"postgres dsn", Config{Storage: StorageConfig{Driver: "postgres"}}},
		{"storage driver", Config{Storage: StorageConfig{Driver: "mongo"}}},
		{"redis addr", Config{Cache: CacheConfig{Driver: "redis"}}},
		{"telegram token", Config{Admin: AdminConfig{Telegram: TelegramConfig{Enabled: true}}}},
		{"metrics without http", Config{Metrics: MetricsConfig{Enabled: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, Validate(&tc.cfg))
		})
	}
	assert.NoError(t, Validate(&Config{}))
	assert.Error(t, Validate(nil))
}

func TestParseDurations(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrUnset("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOrUnset("x", " ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Admin: AdminConfig{HTTP: HTTPConfig{Token: "a"}}}
	newCfg := &Config{
		Admin:   AdminConfig{HTTP: HTTPConfig{Token: "b", Enabled: true}},
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:pw@h/db"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"admin.http", "storage"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true}}`), 0o644))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"mongo"}}`), 0o644))
	time.Sleep(2 * reloadDebounce)
	select {
	case got := <-sub:
		t.Fatalf("unexpected publish: %+v", got)
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":false}}`), 0o644))
	select {
	case got := <-sub:
		assert.False(t, got.Scheduler.Enabled)
		assert.Same(t, got, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	cfg, err := Decode("config.example.yaml", b)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}
