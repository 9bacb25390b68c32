package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/clock"
	"matchsync/internal/match"
	"matchsync/internal/storage"
	logx "matchsync/pkg/logx"
)

var t0 = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

func TestMemoryCompletionExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	c := NewMemoryCompletion(time.Minute, clk)

	require.NoError(t, c.Set(ctx, storage.Completion{EventID: 1, Total: 4, Completed: 1}))
	got, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 25.0, got.Percent())

	clk.Advance(time.Minute)
	_, ok, _ = c.Get(ctx, 1)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, storage.Completion{EventID: 1}))
	require.NoError(t, c.Invalidate(ctx, 1))
	_, ok, _ = c.Get(ctx, 1)
	assert.False(t, ok)
}

func TestMemoryHistoryNewestFirstAndCapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewMemoryHistory(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Record(ctx, 7, t0.Add(time.Duration(i)*time.Minute)))
	}
	got, err := h.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(t0.Add(4*time.Minute)))
	assert.True(t, got[2].Equal(t0.Add(2*time.Minute)))

	require.NoError(t, h.Reset(ctx, 7))
	got, _ = h.List(ctx, 7)
	assert.Empty(t, got)
}

func TestCompletionReaderFillsCacheOnMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertEvent(ctx, match.Event{ID: 1}))
	require.NoError(t, st.UpsertMatch(ctx, match.Match{ID: 1, EventID: 1, StartTime: t0, Normal: match.NewGoals(0, 0)}))
	require.NoError(t, st.UpsertMatch(ctx, match.Match{ID: 2, EventID: 1, StartTime: t0.Add(time.Hour)}))

	c := NewMemoryCompletion(time.Hour, nil)
	r := CompletionReader{Cache: c, Store: st}
	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.Completed)

	cached, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got, cached)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	c, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, c.Completion)
	assert.NoError(t, c.Close())

	_, err = Open(context.Background(), Config{Driver: "memcached"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

// Runs against a real server when MATCHSYNC_TEST_REDIS is set, e.g. "localhost:6379".
func TestRedisCaches(t *testing.T) {
	addr := os.Getenv("MATCHSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("MATCHSYNC_TEST_REDIS not set")
	}
	ctx := context.Background()
	c, err := Open(ctx, Config{Driver: "redis", RedisAddr: addr, KeyPrefix: "matchsync-test", HistoryLen: 2}, logx.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Completion.Set(ctx, storage.Completion{EventID: 9, Total: 2, Completed: 2}))
	got, ok, err := c.Completion.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, got.Percent())
	require.NoError(t, c.Completion.Invalidate(ctx, 9))

	require.NoError(t, c.History.Reset(ctx, 9))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.History.Record(ctx, 9, t0.Add(time.Duration(i)*time.Second)))
	}
	hist, err := c.History.List(ctx, 9)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Equal(t0.Add(2*time.Second)))
	require.NoError(t, c.History.Reset(ctx, 9))
}
