package storage

import (
	"context"
	"errors"
	"time"

	"matchsync/internal/match"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver string
	// Path is the database file (sqlite) or snapshot prefix (file).
	Path string
	// DSN is the connection string (postgres).
	DSN          string
	BusyTimeout  time.Duration // sqlite only
	MaxOpenConns int           // postgres only
}

// Store is the persistence API used by the locator, the feed updater and the admin surfaces.
type Store interface {
	match.Repository

	Matches(ctx context.Context, id match.EventID) ([]match.Match, error)
	Match(ctx context.Context, id match.MatchID) (match.Match, error)
	WebServices(ctx context.Context, id match.EventID) ([]match.WebService, error)
	// IncompleteEscalatedMatches lists incomplete matches of the event that started at or before startedBefore.
	IncompleteEscalatedMatches(ctx context.Context, id match.EventID, startedBefore time.Time) ([]match.Match, error)
	// ApplyResult writes feed values into a match. It reports whether anything
	// changed; a change also moves the event's last progress to at.
	ApplyResult(ctx context.Context, u match.ResultUpdate, at time.Time) (bool, error)
	Completion(ctx context.Context, id match.EventID) (Completion, error)

	UpsertEvent(ctx context.Context, e match.Event) error
	UpsertMatch(ctx context.Context, m match.Match) error
	UpsertWebService(ctx context.Context, w match.WebService) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Completion is the share of matches with a final result.
type Completion struct {
	EventID   match.EventID `json:"event_id"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
}

func (c Completion) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) * 100 / float64(c.Total)
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time     `json:"at"`
	Actor   string        `json:"actor"`
	Action  string        `json:"action"`
	EventID match.EventID `json:"event_id"`
	MatchID match.MatchID `json:"match_id,omitempty"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
}

// apply merges u into m and reports whether m changed. Participants are only
// filled in while unknown.
func apply(m *match.Match, u match.ResultUpdate) bool {
	changed := false
	if m.Team1WsID == nil && u.Team1WsID != nil {
		v := *u.Team1WsID
		m.Team1WsID = &v
		changed = true
	}
	if m.Team2WsID == nil && u.Team2WsID != nil {
		v := *u.Team2WsID
		m.Team2WsID = &v
		changed = true
	}
	for _, p := range []struct {
		dst *match.Goals
		src match.Goals
	}{
		{&m.Normal, u.Normal},
		{&m.Extra, u.Extra},
		{&m.Penalty, u.Penalty},
	} {
		if !p.src.Set() || p.dst.Equal(p.src) {
			continue
		}
		*p.dst = p.src
		changed = true
	}
	return changed
}
