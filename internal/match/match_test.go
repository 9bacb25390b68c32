package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	events  map[EventID]Event
	matches map[EventID][]Match
}

func (r fakeRepo) Events(context.Context) ([]Event, error) {
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e)
	}
	return out, nil
}

func (r fakeRepo) Event(_ context.Context, id EventID) (Event, error) {
	e, ok := r.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (r fakeRepo) FirstIncompleteMatch(_ context.Context, id EventID) (Match, bool, error) {
	m, ok := FirstIncomplete(r.matches[id])
	return m, ok, nil
}

var t0 = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

func TestCompleteRequiresBothNormalGoals(t *testing.T) {
	t.Parallel()

	one := 1
	tests := []struct {
		name string
		m    Match
		want bool
	}{
		{"no result", Match{}, false},
		{"one side", Match{Normal: Goals{Team1: &one}}, false},
		{"both sides", Match{Normal: NewGoals(2, 2)}, true},
		{"extra only", Match{Extra: NewGoals(1, 0)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Complete())
		})
	}
}

func TestFirstIncompleteOrdersByStartThenID(t *testing.T) {
	t.Parallel()

	ms := []Match{
		{ID: 3, StartTime: t0.Add(time.Hour)},
		{ID: 2, StartTime: t0},
		{ID: 1, StartTime: t0, Normal: NewGoals(1, 0)},
		{ID: 4, StartTime: t0},
	}
	m, ok := FirstIncomplete(ms)
	require.True(t, ok)
	assert.Equal(t, MatchID(2), m.ID)

	_, ok = FirstIncomplete([]Match{{ID: 1, Normal: NewGoals(0, 0)}})
	assert.False(t, ok)
}

func TestExpectedTriggerTime(t *testing.T) {
	t.Parallel()

	l := NewLocator(fakeRepo{}, LocatorConfig{MatchEndMargin: 2 * time.Hour, Expiry: time.Hour})
	m := Match{ID: 2, StartTime: t0}

	at, escalated := l.ExpectedTriggerTime(m, t0.Add(time.Hour))
	assert.False(t, escalated)
	assert.Equal(t, t0.Add(2*time.Hour), at)

	_, escalated = l.ExpectedTriggerTime(m, t0.Add(2*time.Hour))
	assert.True(t, escalated)
}

func TestIsWithinRetryWindow(t *testing.T) {
	t.Parallel()

	repo := fakeRepo{events: map[EventID]Event{
		1: {ID: 1, EndTime: t0},
		2: {ID: 2, EndTime: t0, LastProgressAt: t0.Add(48 * time.Hour)},
	}}
	l := NewLocator(repo, LocatorConfig{Expiry: 24 * time.Hour})
	ctx := context.Background()

	ok, err := l.IsWithinRetryWindow(ctx, 1, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsWithinRetryWindow(ctx, 1, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.IsWithinRetryWindow(ctx, 2, t0.Add(60*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "later progress extends the window")

	_, err = l.IsWithinRetryWindow(ctx, 9, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	l.Apply(LocatorConfig{Expiry: 0})
	ok, err = l.IsWithinRetryWindow(ctx, 1, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "zero expiry disables retries")
}

func TestFirstIncompleteMatchesOfAllEventsSkipsExpired(t *testing.T) {
	t.Parallel()

	repo := fakeRepo{
		events: map[EventID]Event{
			1: {ID: 1, EndTime: t0.Add(10 * 24 * time.Hour)},
			2: {ID: 2, EndTime: t0.Add(-30 * 24 * time.Hour)},
			3: {ID: 3, EndTime: t0.Add(10 * 24 * time.Hour)},
		},
		matches: map[EventID][]Match{
			1: {{ID: 11, EventID: 1, StartTime: t0}},
			2: {{ID: 21, EventID: 2, StartTime: t0}},
			3: {{ID: 31, EventID: 3, StartTime: t0, Normal: NewGoals(1, 1)}},
		},
	}
	l := NewLocator(repo, LocatorConfig{Expiry: DefaultExpiry})

	got, err := l.FirstIncompleteMatchesOfAllEvents(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, MatchID(11), got[0].Match.ID)
}
