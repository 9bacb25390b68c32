package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/config"
	"matchsync/internal/match"
	logx "matchsync/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMapLocatorAndSyncDefaults(t *testing.T) {
	cfg := &config.Config{}
	lc, err := mapLocatorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, match.DefaultMatchEndMargin, lc.MatchEndMargin)
	assert.Equal(t, match.DefaultExpiry, lc.Expiry)

	sc, err := mapSyncConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxBackoff, sc.MaxBackoff)
	assert.Equal(t, config.DefaultReseedSpec, sc.ReseedSpec)
	assert.Equal(t, defaultFireTimeout, sc.ReseedTimeout)

	cfg.Scheduler.FetchTimeout = "5s"
	cfg.Scheduler.FireTimeout = "90s"
	sc, err = mapSyncConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sc.FetchTimeout)
	assert.Equal(t, 90*time.Second, sc.ReseedTimeout, "reseed is bounded by the fire timeout, not the fetch timeout")

	cfg.Scheduler.Expiry = "0s"
	cfg.Scheduler.MaxBackoff = "0s"
	lc, err = mapLocatorConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, lc.Expiry)
	sc, err = mapSyncConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, sc.MaxBackoff)
}

func TestMapTaskEngineConfig(t *testing.T) {
	off := false
	ec, err := mapTaskEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{Enabled: true}})
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 2, ec.Workers)
	assert.Equal(t, 256, ec.QueueSize)

	ec, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Enabled: &off, Workers: 5, MaxQueueDelay: "30s"}})
	require.NoError(t, err)
	assert.False(t, ec.Enabled)
	assert.Equal(t, 5, ec.Workers)
	assert.Equal(t, 30*time.Second, ec.MaxQueueDelay)
}

func TestMapHTTPConfig(t *testing.T) {
	hc, err := mapHTTPConfig(&config.Config{
		Admin:   config.AdminConfig{HTTP: config.HTTPConfig{Enabled: true, Addr: " 127.0.0.1:9000 ", Token: " t "}},
		Metrics: config.MetricsConfig{Path: "/prom"},
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", hc.Addr)
	assert.Equal(t, "t", hc.Token)
	assert.Equal(t, "/prom", hc.MetricsPath)
	assert.Equal(t, 10*time.Second, hc.ReadTimeout)
	assert.Zero(t, hc.WriteTimeout)
}

func TestAppLifecycleAndReload(t *testing.T) {
	path := writeConfig(t, `{
  "logging": {"level": "error"},
  "scheduler": {"enabled": true, "reseed_spec": ""},
  "storage": {"driver": "memory"},
  "admin": {"http": {"enabled": true, "addr": "127.0.0.1:0"}},
  "metrics": {"enabled": true}
}`)
	ctx := context.Background()
	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, a.prom)
	require.Nil(t, a.bot)

	require.NoError(t, a.Start(ctx))
	assert.True(t, a.engine.Enabled())
	require.Eventually(t, func() bool { return a.http.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler.Enabled = false
	off := false
	next.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
	next.Feed.RatePerSec = 9
	a.applyConfig(ctx, prev, &next)
	assert.False(t, a.engine.Enabled())

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{"storage": {"driver": "sqlite"}}`)
	_, err := New(context.Background(), path)
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "matchsync.db")
	path := writeConfig(t, `{"storage": {"driver": "sqlite", "path": "`+filepath.ToSlash(db)+`"}}`)
	require.NoError(t, Migrate(path, logx.Nop()))
	_, err := os.Stat(db)
	assert.NoError(t, err)
}
