package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"matchsync/internal/match"
	logx "matchsync/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore implements Store on database/sql for both sqlite and postgres.
// Queries are written with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

const matchColumns = `id, event_id, start_time, team1_ws_id, team2_ws_id, normal1, normal2, extra1, extra2, penalty1, penalty2`

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Events(ctx context.Context) ([]match.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, start_time, end_time, last_progress_at FROM events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []match.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Event(ctx context.Context, id match.EventID) (match.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, start_time, end_time, last_progress_at FROM events WHERE id = ?`), int64(id))
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Event{}, fmt.Errorf("event %d: %w", id, match.ErrNotFound)
	}
	return e, err
}

func (s *sqlStore) Matches(ctx context.Context, id match.EventID) ([]match.Match, error) {
	return s.queryMatches(ctx, `SELECT `+matchColumns+` FROM matches WHERE event_id = ? ORDER BY start_time, id`, int64(id))
}

func (s *sqlStore) Match(ctx context.Context, id match.MatchID) (match.Match, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+matchColumns+` FROM matches WHERE id = ?`), int64(id))
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Match{}, fmt.Errorf("match %d: %w", id, match.ErrNotFound)
	}
	return m, err
}

func (s *sqlStore) FirstIncompleteMatch(ctx context.Context, id match.EventID) (match.Match, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+matchColumns+` FROM matches
		WHERE event_id = ? AND (normal1 IS NULL OR normal2 IS NULL)
		ORDER BY start_time, id LIMIT 1`), int64(id))
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Match{}, false, nil
	}
	if err != nil {
		return match.Match{}, false, err
	}
	return m, true, nil
}

func (s *sqlStore) IncompleteEscalatedMatches(ctx context.Context, id match.EventID, startedBefore time.Time) ([]match.Match, error) {
	return s.queryMatches(ctx, `SELECT `+matchColumns+` FROM matches
		WHERE event_id = ? AND (normal1 IS NULL OR normal2 IS NULL) AND start_time <= ?
		ORDER BY start_time, id`, int64(id), startedBefore.UnixMilli())
}

func (s *sqlStore) WebServices(ctx context.Context, id match.EventID) ([]match.WebService, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, event_id, priority, league_shortcut, league_season,
		result_normal_label, result_normal_extra_label, result_extra_label, result_penalty_label
		FROM web_services WHERE event_id = ? ORDER BY priority, id`), int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []match.WebService
	for rows.Next() {
		var (
			w   match.WebService
			eid int64
		)
		if err := rows.Scan(&w.ID, &eid, &w.Priority, &w.LeagueShortcut, &w.LeagueSeason,
			&w.ResultNormalLabel, &w.ResultNormalExtraLabel, &w.ResultExtraLabel, &w.ResultPenaltyLabel); err != nil {
			return nil, err
		}
		w.EventID = match.EventID(eid)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqlStore) ApplyResult(ctx context.Context, u match.ResultUpdate, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMatch(tx.QueryRowContext(ctx, s.q(`SELECT `+matchColumns+` FROM matches WHERE id = ?`), int64(u.MatchID)))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("match %d: %w", u.MatchID, match.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	if !apply(&m, u) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE matches SET team1_ws_id = ?, team2_ws_id = ?,
		normal1 = ?, normal2 = ?, extra1 = ?, extra2 = ?, penalty1 = ?, penalty2 = ? WHERE id = ?`),
		nullInt64(m.Team1WsID), nullInt64(m.Team2WsID),
		nullInt(m.Normal.Team1), nullInt(m.Normal.Team2),
		nullInt(m.Extra.Team1), nullInt(m.Extra.Team2),
		nullInt(m.Penalty.Team1), nullInt(m.Penalty.Team2),
		int64(m.ID),
	); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE events SET last_progress_at = ? WHERE id = ? AND last_progress_at < ?`),
		at.UnixMilli(), int64(m.EventID), at.UnixMilli()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) Completion(ctx context.Context, id match.EventID) (Completion, error) {
	c := Completion{EventID: id}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN normal1 IS NOT NULL AND normal2 IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM matches WHERE event_id = ?`), int64(id)).Scan(&c.Total, &c.Completed)
	return c, err
}

func (s *sqlStore) UpsertEvent(ctx context.Context, e match.Event) error {
	if e.ID <= 0 {
		return fmt.Errorf("event id must be positive, got %d", e.ID)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO events(id, name, start_time, end_time, last_progress_at) VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, start_time = excluded.start_time,
		end_time = excluded.end_time, last_progress_at = excluded.last_progress_at`),
		int64(e.ID), e.Name, toMillis(e.StartTime), toMillis(e.EndTime), toMillis(e.LastProgressAt))
	return err
}

func (s *sqlStore) UpsertMatch(ctx context.Context, m match.Match) error {
	if m.ID <= 0 || m.EventID <= 0 {
		return fmt.Errorf("match %d needs positive ids", m.ID)
	}
	if _, err := s.Event(ctx, m.EventID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO matches(`+matchColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET event_id = excluded.event_id, start_time = excluded.start_time,
		team1_ws_id = excluded.team1_ws_id, team2_ws_id = excluded.team2_ws_id,
		normal1 = excluded.normal1, normal2 = excluded.normal2,
		extra1 = excluded.extra1, extra2 = excluded.extra2,
		penalty1 = excluded.penalty1, penalty2 = excluded.penalty2`),
		int64(m.ID), int64(m.EventID), m.StartTime.UnixMilli(),
		nullInt64(m.Team1WsID), nullInt64(m.Team2WsID),
		nullInt(m.Normal.Team1), nullInt(m.Normal.Team2),
		nullInt(m.Extra.Team1), nullInt(m.Extra.Team2),
		nullInt(m.Penalty.Team1), nullInt(m.Penalty.Team2),
	)
	return err
}

func (s *sqlStore) UpsertWebService(ctx context.Context, w match.WebService) error {
	if w.ID <= 0 || w.EventID <= 0 {
		return fmt.Errorf("web service %d needs positive ids", w.ID)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO web_services(id, event_id, priority, league_shortcut, league_season,
		result_normal_label, result_normal_extra_label, result_extra_label, result_penalty_label)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET event_id = excluded.event_id, priority = excluded.priority,
		league_shortcut = excluded.league_shortcut, league_season = excluded.league_season,
		result_normal_label = excluded.result_normal_label, result_normal_extra_label = excluded.result_normal_extra_label,
		result_extra_label = excluded.result_extra_label, result_penalty_label = excluded.result_penalty_label`),
		w.ID, int64(w.EventID), w.Priority, w.LeagueShortcut, w.LeagueSeason,
		w.ResultNormalLabel, w.ResultNormalExtraLabel, w.ResultExtraLabel, w.ResultPenaltyLabel)
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, actor, action, event_id, match_id, ok, err) VALUES(?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.Actor, e.Action, int64(e.EventID), int64(e.MatchID), e.OK, nullStr(e.Error))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(r scanner) (match.Event, error) {
	var (
		e                  match.Event
		id                 int64
		start, end, lastPr int64
	)
	if err := r.Scan(&id, &e.Name, &start, &end, &lastPr); err != nil {
		return match.Event{}, err
	}
	e.ID = match.EventID(id)
	e.StartTime = fromMillis(start)
	e.EndTime = fromMillis(end)
	e.LastProgressAt = fromMillis(lastPr)
	return e, nil
}

func scanMatch(r scanner) (match.Match, error) {
	var (
		m              match.Match
		id, eid, start int64
		t1, t2         sql.NullInt64
		n1, n2, e1, e2 sql.NullInt64
		p1, p2         sql.NullInt64
	)
	if err := r.Scan(&id, &eid, &start, &t1, &t2, &n1, &n2, &e1, &e2, &p1, &p2); err != nil {
		return match.Match{}, err
	}
	m.ID = match.MatchID(id)
	m.EventID = match.EventID(eid)
	m.StartTime = time.UnixMilli(start).UTC()
	m.Team1WsID = ptrInt64(t1)
	m.Team2WsID = ptrInt64(t2)
	m.Normal = match.Goals{Team1: ptrInt(n1), Team2: ptrInt(n2)}
	m.Extra = match.Goals{Team1: ptrInt(e1), Team2: ptrInt(e2)}
	m.Penalty = match.Goals{Team1: ptrInt(p1), Team2: ptrInt(p2)}
	return m, nil
}

func (s *sqlStore) queryMatches(ctx context.Context, query string, args ...any) ([]match.Match, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []match.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptrInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func ptrInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
