package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/attempt"
	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/resultsync"
	"matchsync/internal/storage"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

const owner = int64(42)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSync struct {
	existed bool
	panics  bool
}

func (f *fakeSync) Status(_ context.Context, id match.EventID) (resultsync.Status, error) {
	if f.panics {
		panic("boom")
	}
	return resultsync.Status{
		EventID:    id,
		Scheduled:  true,
		Job:        &trigger.Job{Payload: trigger.Payload{EventID: id, MatchID: 3}, FireAt: t0},
		Attempts:   2,
		Completion: &storage.Completion{EventID: id, Total: 10, Completed: 4},
	}, nil
}

func (f *fakeSync) Relaunch(_ context.Context, id match.EventID, mid match.MatchID) (bool, error) {
	if id == 99 {
		return false, fmt.Errorf("%w: event %d", resultsync.ErrInvalidArgument, id)
	}
	if id == 98 {
		return false, errors.New("store down")
	}
	return f.existed, nil
}

func (f *fakeSync) Jobs() []trigger.Job {
	return []trigger.Job{
		{Payload: trigger.Payload{EventID: 2, MatchID: 5}, FireAt: t0.Add(time.Hour)},
		{Payload: trigger.Payload{EventID: 1, MatchID: 3}, FireAt: t0},
	}
}

func (f *fakeSync) Attempts() []attempt.Entry { return nil }

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func newTestBot(cfg Config, deps Deps) (*Bot, *fakeSender) {
	fs := &fakeSender{}
	if cfg.OwnerIDs == nil {
		cfg.OwnerIDs = []int64{owner}
	}
	if cfg.AlertRate == 0 {
		cfg.AlertRate = 1000
	}
	return newBot(cfg, deps, fs, nil, logx.Nop()), fs
}

func TestParse(t *testing.T) {
	name, args, ok := parse("/Relaunch@MatchBot 7 3")
	require.True(t, ok)
	assert.Equal(t, "relaunch", name)
	assert.Equal(t, []string{"7", "3"}, args)

	_, _, ok = parse("hello")
	assert.False(t, ok)
	_, _, ok = parse("/")
	assert.False(t, ok)
}

func TestDispatchOwnerOnly(t *testing.T) {
	b, _ := newTestBot(Config{}, Deps{Sync: &fakeSync{}})
	assert.Empty(t, b.Dispatch(context.Background(), Request{FromID: 7, Name: "jobs"}))
	assert.NotEmpty(t, b.Dispatch(context.Background(), Request{FromID: owner, Name: "jobs"}))
	assert.Empty(t, b.Dispatch(context.Background(), Request{FromID: owner, Name: "nope"}))
}

func TestStatusCommand(t *testing.T) {
	b, _ := newTestBot(Config{}, Deps{Sync: &fakeSync{}})
	reply := b.Dispatch(context.Background(), Request{FromID: owner, Name: "status", Args: []string{"7"}})
	assert.Contains(t, reply, "event 7")
	assert.Contains(t, reply, "match 3 at 2026-05-01T12:00:00Z")
	assert.Contains(t, reply, "futile attempts: 2")
	assert.Contains(t, reply, "completed matches: 4/10")

	assert.Equal(t, "usage: /status <event_id>", b.Dispatch(context.Background(), Request{FromID: owner, Name: "status"}))
	assert.Equal(t, "usage: /status <event_id>", b.Dispatch(context.Background(), Request{FromID: owner, Name: "status", Args: []string{"-1"}}))
}

func TestRelaunchCommandAudits(t *testing.T) {
	fa := &fakeAudit{}
	fsync := &fakeSync{existed: true}
	b, _ := newTestBot(Config{}, Deps{Sync: fsync, Audit: fa})
	ctx := context.Background()

	assert.Equal(t, "event 7 relaunched on match 3", b.Dispatch(ctx, Request{FromID: owner, Name: "relaunch", Args: []string{"7", "3"}}))
	fsync.existed = false
	assert.Equal(t, "event 7 has no pending sync job", b.Dispatch(ctx, Request{FromID: owner, Name: "relaunch", Args: []string{"7", "3"}}))
	assert.True(t, strings.HasPrefix(b.Dispatch(ctx, Request{FromID: owner, Name: "relaunch", Args: []string{"99", "3"}}), "invalid: "))
	assert.Equal(t, "error: store down", b.Dispatch(ctx, Request{FromID: owner, Name: "relaunch", Args: []string{"98", "3"}}))
	assert.Equal(t, "usage: /relaunch <event_id> <match_id>", b.Dispatch(ctx, Request{FromID: owner, Name: "relaunch", Args: []string{"7"}}))

	require.Len(t, fa.entries, 4)
	assert.Equal(t, "telegram:42", fa.entries[0].Actor)
	assert.True(t, fa.entries[0].OK)
	assert.False(t, fa.entries[1].OK)
	assert.NotEmpty(t, fa.entries[2].Error)
}

func TestJobsSortedByFireTime(t *testing.T) {
	b, _ := newTestBot(Config{}, Deps{Sync: &fakeSync{}})
	reply := b.Dispatch(context.Background(), Request{FromID: owner, Name: "jobs"})
	lines := strings.Split(reply, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2 pending:", lines[0])
	assert.Contains(t, lines[1], "event 1")
	assert.Contains(t, lines[2], "event 2")

	assert.Equal(t, "no futile attempts", b.Dispatch(context.Background(), Request{FromID: owner, Name: "attempts"}))
}

func TestPanicIsRecovered(t *testing.T) {
	b, _ := newTestBot(Config{}, Deps{Sync: &fakeSync{panics: true}})
	reply := b.Dispatch(context.Background(), Request{FromID: owner, Name: "status", Args: []string{"1"}})
	assert.Equal(t, "error: panic: boom", reply)
}

func TestAlertsForwardedAndDeduplicated(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewFake(t0)
	b, fs := newTestBot(Config{OwnerIDs: []int64{1, 2}, AlertDedup: time.Minute}, Deps{Sync: &fakeSync{}, Bus: bus, Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop(context.Background())

	ev := eventbus.Event{Type: eventbus.SyncExpired, Data: eventbus.SyncEvent{EventID: 7, MatchID: 3}}
	bus.Publish(ev)
	require.Eventually(t, func() bool { return len(fs.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := fs.snapshot()
	assert.Equal(t, int64(1), msgs[0].chatID)
	assert.Equal(t, int64(2), msgs[1].chatID)
	assert.Contains(t, msgs[0].text, "event 7")

	bus.Publish(ev)
	bus.Publish(eventbus.Event{Type: eventbus.SyncCompleted, Data: eventbus.SyncEvent{EventID: 7}})
	bus.Publish(eventbus.Event{Type: eventbus.SyncScheduleFailed, Data: eventbus.SyncEvent{EventID: 8, MatchID: 1}})
	require.Eventually(t, func() bool { return len(fs.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, fs.snapshot()[2].text, "event 8")

	clk.Advance(2 * time.Minute)
	bus.Publish(ev)
	require.Eventually(t, func() bool { return len(fs.snapshot()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, fs.snapshot()[5].text, "event 7")
}
