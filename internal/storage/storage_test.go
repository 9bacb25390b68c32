package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/match"
	logx "matchsync/pkg/logx"
)

var t0 = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

func i64(v int64) *int64 { return &v }

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertEvent(ctx, match.Event{ID: 1, Name: "cup", StartTime: t0, EndTime: t0.Add(72 * time.Hour)}))
	require.NoError(t, s.UpsertMatch(ctx, match.Match{ID: 11, EventID: 1, StartTime: t0, Normal: match.NewGoals(1, 0)}))
	require.NoError(t, s.UpsertMatch(ctx, match.Match{ID: 12, EventID: 1, StartTime: t0.Add(3 * time.Hour), Team1WsID: i64(40)}))
	require.NoError(t, s.UpsertMatch(ctx, match.Match{ID: 13, EventID: 1, StartTime: t0.Add(6 * time.Hour)}))
	require.NoError(t, s.UpsertWebService(ctx, match.WebService{ID: 7, EventID: 1, Priority: 2, LeagueShortcut: "wm", LeagueSeason: "2026", ResultNormalLabel: "Endergebnis"}))
	require.NoError(t, s.UpsertWebService(ctx, match.WebService{ID: 8, EventID: 1, Priority: 1, LeagueShortcut: "wm2", LeagueSeason: "2026", ResultNormalLabel: "Endergebnis"}))
}

func drivers(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			s, err := Open(Config{}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"file": func() Store {
			s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "sync.json")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreQueries(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()
			seed(t, s)

			m, ok, err := s.FirstIncompleteMatch(ctx, 1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, match.MatchID(12), m.ID)
			require.NotNil(t, m.Team1WsID)
			assert.Equal(t, int64(40), *m.Team1WsID)
			assert.Nil(t, m.Team2WsID)

			esc, err := s.IncompleteEscalatedMatches(ctx, 1, t0.Add(4*time.Hour))
			require.NoError(t, err)
			require.Len(t, esc, 1)
			assert.Equal(t, match.MatchID(12), esc[0].ID)

			ws, err := s.WebServices(ctx, 1)
			require.NoError(t, err)
			require.Len(t, ws, 2)
			assert.Equal(t, int64(8), ws[0].ID, "lower priority first")

			c, err := s.Completion(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 3, c.Total)
			assert.Equal(t, 1, c.Completed)

			_, err = s.Event(ctx, 99)
			assert.ErrorIs(t, err, match.ErrNotFound)
			_, _, err = s.FirstIncompleteMatch(ctx, 99)
			assert.NoError(t, err)
		})
	}
}

func TestStoreApplyResult(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()
			seed(t, s)

			at := t0.Add(5 * time.Hour)
			changed, err := s.ApplyResult(ctx, match.ResultUpdate{
				MatchID:   12,
				Team1WsID: i64(99),
				Team2WsID: i64(41),
				Normal:    match.NewGoals(2, 1),
			}, at)
			require.NoError(t, err)
			assert.True(t, changed)

			m, err := s.Match(ctx, 12)
			require.NoError(t, err)
			assert.True(t, m.Complete())
			assert.Equal(t, int64(40), *m.Team1WsID, "known participant kept")
			assert.Equal(t, int64(41), *m.Team2WsID)

			ev, err := s.Event(ctx, 1)
			require.NoError(t, err)
			assert.True(t, ev.LastProgressAt.Equal(at))

			changed, err = s.ApplyResult(ctx, match.ResultUpdate{MatchID: 12, Normal: match.NewGoals(2, 1)}, at.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, changed, "same values are no change")

			next, ok, err := s.FirstIncompleteMatch(ctx, 1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, match.MatchID(13), next.ID)

			_, err = s.ApplyResult(ctx, match.ResultUpdate{MatchID: 404, Normal: match.NewGoals(0, 0)}, at)
			assert.ErrorIs(t, err, match.ErrNotFound)
		})
	}
}

func TestUpsertMatchNeedsEvent(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			err := s.UpsertMatch(context.Background(), match.Match{ID: 1, EventID: 5, StartTime: t0})
			assert.ErrorIs(t, err, match.ErrNotFound)
		})
	}
}

func TestFileStoreReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "sync.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	seed(t, s)
	_, err = s.ApplyResult(ctx, match.ResultUpdate{MatchID: 12, Normal: match.NewGoals(0, 0)}, t0)
	require.NoError(t, err)
	require.NoError(t, s.AppendAudit(ctx, AuditEntry{Actor: "http", Action: "relaunch", EventID: 1, OK: true}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	m, err := s.Match(ctx, 12)
	require.NoError(t, err)
	assert.True(t, m.Complete())
	ev, err := s.Event(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ev.LastProgressAt.Equal(t0))
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "sync.audit.jsonl"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
