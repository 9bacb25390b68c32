package openligadb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"matchsync/internal/clock"
	"matchsync/internal/match"
	"matchsync/internal/storage"
	logx "matchsync/pkg/logx"
)

var kickoff = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

func i64(v int64) *int64 { return &v }

const feedJSON = `[
 {"matchID": 501, "matchDateTimeUTC": "2026-06-14T18:00:00Z",
  "team1": {"teamId": 41, "teamName": "B"}, "team2": {"teamId": 40, "teamName": "A"},
  "matchIsFinished": true,
  "matchResults": [{"resultName": "Endergebnis", "pointsTeam1": 3, "pointsTeam2": 1}]},
 {"matchID": 502, "matchDateTimeUTC": "2026-06-14T21:00:00Z",
  "team1": {"teamId": 42}, "team2": {"teamId": 43},
  "matchIsFinished": false, "matchResults": []}
]`

func TestClientDecodesMatchdata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getmatchdata/wm/2026", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	got, err := c.MatchdataByLeagueSeason(context.Background(), "wm", "2026")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].MatchDateTimeUTC.Equal(kickoff))
	assert.Equal(t, int64(41), got[0].Team1.TeamID)
	assert.True(t, got[0].MatchIsFinished)
	require.Len(t, got[0].MatchResults, 1)
	assert.Equal(t, 3, got[0].MatchResults[0].PointsTeam1)
}

func TestClientStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	_, err := c.MatchdataByLeagueSeason(context.Background(), "wm", "2026")
	assert.ErrorIs(t, err, ErrStatus)
}

func TestResultUpdateLabelShuffle(t *testing.T) {
	t.Parallel()

	ws := match.WebService{
		ResultNormalLabel:      "Endergebnis",
		ResultNormalExtraLabel: "Halbzeit90",
		ResultExtraLabel:       "Verlaengerung",
		ResultPenaltyLabel:     "Elfmeter",
	}
	m := match.Match{ID: 1, StartTime: kickoff, Team1WsID: i64(40), Team2WsID: i64(41)}

	tests := []struct {
		name    string
		results []MatchResult
		normal  match.Goals
		extra   match.Goals
		penalty match.Goals
	}{
		{
			name:    "regular time only",
			results: []MatchResult{{"Endergebnis", 2, 0}},
			normal:  match.NewGoals(2, 0),
		},
		{
			name:    "decided in extra time",
			results: []MatchResult{{"Endergebnis", 2, 1}, {"Halbzeit90", 1, 1}},
			normal:  match.NewGoals(1, 1),
			extra:   match.NewGoals(2, 1),
		},
		{
			name:    "decided on penalties",
			results: []MatchResult{{"Endergebnis", 6, 5}, {"Halbzeit90", 1, 1}, {"Verlaengerung", 1, 1}},
			normal:  match.NewGoals(1, 1),
			extra:   match.NewGoals(1, 1),
			penalty: match.NewGoals(6, 5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, ok := resultUpdate(m, Matchdata{Team1: Team{TeamID: 40}, Team2: Team{TeamID: 41}, MatchResults: tt.results}, ws)
			require.True(t, ok)
			assert.True(t, tt.normal.Equal(up.Normal), "normal")
			assert.True(t, tt.extra.Equal(up.Extra), "extra")
			assert.True(t, tt.penalty.Equal(up.Penalty), "penalty")
			assert.Nil(t, up.Team1WsID)
		})
	}
}

func TestResultUpdateReversedAndUnknownTeams(t *testing.T) {
	t.Parallel()

	ws := match.WebService{ResultNormalLabel: "Endergebnis"}
	md := Matchdata{
		Team1:        Team{TeamID: 41},
		Team2:        Team{TeamID: 40},
		MatchResults: []MatchResult{{"Endergebnis", 3, 1}},
	}

	up, ok := resultUpdate(match.Match{ID: 1, Team1WsID: i64(40), Team2WsID: i64(41)}, md, ws)
	require.True(t, ok)
	assert.True(t, match.NewGoals(1, 3).Equal(up.Normal), "points follow the stored order")

	up, ok = resultUpdate(match.Match{ID: 2}, md, ws)
	require.True(t, ok)
	require.NotNil(t, up.Team1WsID)
	assert.Equal(t, int64(41), *up.Team1WsID, "undecided teams take the feed order")
	assert.Equal(t, int64(40), *up.Team2WsID)

	_, ok = resultUpdate(match.Match{ID: 3, Team1WsID: i64(7), Team2WsID: i64(8)}, md, ws)
	assert.False(t, ok)
}

type fakeFetcher struct {
	data []Matchdata
	err  error
}

func (f fakeFetcher) MatchdataByLeagueSeason(context.Context, string, string) ([]Matchdata, error) {
	return f.data, f.err
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.UpsertEvent(ctx, match.Event{ID: 1, StartTime: kickoff, EndTime: kickoff.Add(48 * time.Hour)}))
	require.NoError(t, s.UpsertMatch(ctx, match.Match{ID: 10, EventID: 1, StartTime: kickoff, Team1WsID: i64(40), Team2WsID: i64(41)}))
	require.NoError(t, s.UpsertMatch(ctx, match.Match{ID: 11, EventID: 1, StartTime: kickoff.Add(3 * time.Hour)}))
	return s
}

func TestUpdaterAppliesFinishedOverdueMatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t)
	require.NoError(t, s.UpsertWebService(ctx, match.WebService{ID: 1, EventID: 1, LeagueShortcut: "wm", LeagueSeason: "2026", ResultNormalLabel: "Endergebnis"}))

	data := []Matchdata{
		{MatchID: 501, MatchDateTimeUTC: kickoff, Team1: Team{TeamID: 41}, Team2: Team{TeamID: 40}, MatchIsFinished: true,
			MatchResults: []MatchResult{{"Endergebnis", 3, 1}}},
		{MatchID: 502, MatchDateTimeUTC: kickoff.Add(3 * time.Hour), Team1: Team{TeamID: 42}, Team2: Team{TeamID: 43}, MatchIsFinished: false},
	}
	clk := clock.NewFake(kickoff.Add(5 * time.Hour))
	u := NewUpdater(s, fakeFetcher{data: data}, match.NewLocator(s, match.LocatorConfig{}), clk, logx.Nop())

	n, err := u.FetchAndApplyResults(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := s.Match(ctx, 10)
	require.NoError(t, err)
	assert.True(t, match.NewGoals(1, 3).Equal(m.Normal))

	ev, err := s.Event(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ev.LastProgressAt.Equal(clk.Now()))

	n, err = u.FetchAndApplyResults(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n, "unfinished fixture and stored result give no update")
}

func TestUpdaterErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStore(t)
	loc := match.NewLocator(s, match.LocatorConfig{})
	clk := clock.NewFake(kickoff.Add(5 * time.Hour))

	_, err := NewUpdater(s, fakeFetcher{}, loc, clk, logx.Nop()).FetchAndApplyResults(ctx, 1)
	assert.ErrorIs(t, err, ErrNoWebService)

	require.NoError(t, s.UpsertWebService(ctx, match.WebService{ID: 1, EventID: 1, LeagueShortcut: "wm", LeagueSeason: "2026", ResultNormalLabel: "Endergebnis"}))
	boom := errors.New("boom")
	_, err = NewUpdater(s, fakeFetcher{err: boom}, loc, clk, logx.Nop()).FetchAndApplyResults(ctx, 1)
	assert.ErrorIs(t, err, boom)
}

func TestClientSetRate(t *testing.T) {
	c := NewClient(Config{}, logx.Nop())
	assert.Equal(t, rate.Limit(2), c.limiter.Limit())

	c.SetRate(5, 3)
	assert.Equal(t, rate.Limit(5), c.limiter.Limit())
	assert.Equal(t, 3, c.limiter.Burst())

	c.SetRate(0, 0)
	assert.Equal(t, rate.Limit(5), c.limiter.Limit())
}
