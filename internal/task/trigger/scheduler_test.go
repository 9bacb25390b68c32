package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/clock"
	"matchsync/internal/match"
	"matchsync/internal/task/engine"
	logx "matchsync/pkg/logx"
)

// recordingEngine runs enqueued tasks inline and records their names.
// A non-nil onReject runs before a rejection is returned.
type recordingEngine struct {
	mu       sync.Mutex
	names    []string
	err      error
	onReject func()
}

func (e *recordingEngine) Enqueue(t engine.Task) error {
	e.mu.Lock()
	err := e.err
	onReject := e.onReject
	if err == nil {
		e.names = append(e.names, t.Name)
	}
	e.mu.Unlock()
	if err != nil {
		if onReject != nil {
			onReject()
		}
		return err
	}
	return t.Run(context.Background())
}

func (e *recordingEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.names)
}

type firedLog struct {
	mu   sync.Mutex
	got  []Payload
	done chan struct{}
}

func (f *firedLog) handle(_ context.Context, p Payload) error {
	f.mu.Lock()
	f.got = append(f.got, p)
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	return nil
}

var base = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, eng Enqueuer) (*Scheduler, *firedLog, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(base)
	s := New(Config{FireTimeout: time.Second}, eng, logx.Nop(), nil, clk)
	fl := &firedLog{done: make(chan struct{}, 8)}
	s.SetHandler(fl.handle)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, fl, clk
}

func TestScheduleReplacesByEvent(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t, &recordingEngine{})
	p := Payload{EventID: 1, MatchID: 10}

	ok, err := s.Schedule(p, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Schedule(p, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Schedule(Payload{EventID: 1, MatchID: 11}, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, s.Len())
	j, found := s.Pending(1)
	require.True(t, found)
	assert.Equal(t, match.MatchID(11), j.MatchID)
	assert.Equal(t, base.Add(2*time.Hour), j.FireAt)
}

func TestConcurrentScheduleKeepsOneJob(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t, &recordingEngine{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Schedule(Payload{EventID: 7, MatchID: match.MatchID(i + 1)}, base.Add(time.Hour))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}

func TestDueJobFiresOnceAndIsRemoved(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s, fl, _ := newScheduler(t, eng)

	ok, err := s.Schedule(Payload{EventID: 2, MatchID: 20}, base.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-fl.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.False(t, s.Exists(2))
	assert.Equal(t, 1, eng.count())
	assert.Equal(t, []string{"sync:event:2"}, eng.names)
}

func TestFireNowAndCancel(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s, fl, _ := newScheduler(t, eng)

	assert.False(t, s.FireNow(3))
	assert.False(t, s.Cancel(3))

	_, err := s.Schedule(Payload{EventID: 3, MatchID: 30}, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, s.FireNow(3))
	assert.False(t, s.Exists(3))
	require.Len(t, fl.got, 1)
	assert.Equal(t, Payload{EventID: 3, MatchID: 30}, fl.got[0])

	_, err = s.Schedule(Payload{EventID: 4, MatchID: 40}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, s.Cancel(4))
	assert.False(t, s.Exists(4))
	assert.Equal(t, 1, eng.count())
}

func TestFireNowRestoresJobWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{err: engine.ErrQueueFull}
	s, _, _ := newScheduler(t, eng)

	_, err := s.Schedule(Payload{EventID: 5, MatchID: 50}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, s.FireNow(5))
	j, ok := s.Pending(5)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), j.FireAt)
}

func TestFireNowKeepsJobScheduledDuringFailedEnqueue(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{err: engine.ErrQueueFull}
	s, _, _ := newScheduler(t, eng)
	eng.onReject = func() {
		_, _ = s.Schedule(Payload{EventID: 6, MatchID: 61}, base.Add(3*time.Hour))
	}

	_, err := s.Schedule(Payload{EventID: 6, MatchID: 60}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, s.FireNow(6))

	j, ok := s.Pending(6)
	require.True(t, ok)
	assert.Equal(t, match.MatchID(61), j.MatchID)
	assert.Equal(t, base.Add(3*time.Hour), j.FireAt)
	assert.Equal(t, 1, s.Len())
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t, &recordingEngine{})
	for _, p := range []Payload{{EventID: 0, MatchID: 1}, {EventID: 1, MatchID: 0}, {EventID: -1, MatchID: 1}} {
		ok, err := s.Schedule(p, base)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "payload %+v", p)
	}
	ok, err := s.Schedule(Payload{EventID: 1, MatchID: 1}, time.Time{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScheduleWhenStoppedReportsFalse(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &recordingEngine{}, logx.Nop(), nil, clock.NewFake(base))
	s.SetHandler(func(context.Context, Payload) error { return nil })
	ok, err := s.Schedule(Payload{EventID: 1, MatchID: 1}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	s.Start(context.Background())
	ok, _ = s.Schedule(Payload{EventID: 1, MatchID: 1}, base.Add(time.Hour))
	require.True(t, ok)
	s.Stop(context.Background())
	assert.Equal(t, 0, s.Len())
}

func TestAddPeriodic(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t, &recordingEngine{})
	run := func(context.Context) error { return nil }

	assert.ErrorIs(t, s.AddPeriodic("reseed", "not a spec", 0, run), ErrInvalidArgument)
	require.NoError(t, s.AddPeriodic("reseed", "@every 30m", time.Minute, run))
	require.NoError(t, s.AddPeriodic("reseed", "@every 10m", time.Minute, run))

	next, ok := s.NextPeriodic("reseed")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), next, time.Minute)

	assert.True(t, s.RemovePeriodic("reseed"))
	_, ok = s.NextPeriodic("reseed")
	assert.False(t, ok)
}
