package openligadb

import (
	"context"
	"errors"
	"fmt"

	"matchsync/internal/clock"
	"matchsync/internal/match"
	"matchsync/internal/storage"
	logx "matchsync/pkg/logx"
)

// ErrNoWebService is returned for events without a feed binding.
var ErrNoWebService = errors.New("no web service bound to event")

// Fetcher is the feed read the updater depends on.
type Fetcher interface {
	MatchdataByLeagueSeason(ctx context.Context, league, season string) ([]Matchdata, error)
}

// Updater pulls finished results for an event's overdue matches and stores them.
type Updater struct {
	store   storage.Store
	fetch   Fetcher
	locator *match.Locator
	clock   clock.Clock
	log     logx.Logger
}

func NewUpdater(store storage.Store, fetch Fetcher, locator *match.Locator, clk clock.Clock, log logx.Logger) *Updater {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Updater{store: store, fetch: fetch, locator: locator, clock: clk, log: log}
}

// FetchAndApplyResults asks every web service of the event for results and
// returns how many matches changed. A failed fetch aborts the run.
func (u *Updater) FetchAndApplyResults(ctx context.Context, id match.EventID) (int, error) {
	services, err := u.store.WebServices(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("web services of event %d: %w", id, err)
	}
	if len(services) == 0 {
		return 0, fmt.Errorf("event %d: %w", id, ErrNoWebService)
	}

	now := u.clock.Now()
	updated := 0
	for _, ws := range services {
		data, err := u.fetch.MatchdataByLeagueSeason(ctx, ws.LeagueShortcut, ws.LeagueSeason)
		if err != nil {
			return updated, fmt.Errorf("fetch %s/%s: %w", ws.LeagueShortcut, ws.LeagueSeason, err)
		}
		overdue, err := u.store.IncompleteEscalatedMatches(ctx, id, u.locator.EscalationCutoff(now))
		if err != nil {
			return updated, fmt.Errorf("overdue matches of event %d: %w", id, err)
		}
		for _, m := range overdue {
			md, ok := findMatchdata(data, m)
			if !ok || !md.MatchIsFinished {
				continue
			}
			upd, ok := resultUpdate(m, md, ws)
			if !ok {
				u.log.Warn("feed teams do not fit match",
					logx.MatchID(int64(m.ID)),
					logx.Int64("feed_match_id", md.MatchID),
				)
				continue
			}
			changed, err := u.store.ApplyResult(ctx, upd, now)
			if err != nil {
				return updated, fmt.Errorf("apply result of match %d: %w", m.ID, err)
			}
			if changed {
				updated++
				u.log.Info("match result updated", logx.EventID(int64(id)), logx.MatchID(int64(m.ID)))
			}
		}
	}
	return updated, nil
}

// findMatchdata pairs a stored match with a feed fixture by kick-off instant and
// participants. Either participant order is accepted; undecided participants match anything.
func findMatchdata(data []Matchdata, m match.Match) (Matchdata, bool) {
	for _, md := range data {
		if !md.MatchDateTimeUTC.Equal(m.StartTime) {
			continue
		}
		if m.Team1WsID == nil || m.Team2WsID == nil {
			return md, true
		}
		t1, t2 := *m.Team1WsID, *m.Team2WsID
		if (t1 == md.Team1.TeamID && t2 == md.Team2.TeamID) || (t1 == md.Team2.TeamID && t2 == md.Team1.TeamID) {
			return md, true
		}
	}
	return Matchdata{}, false
}

func candidate(known *int64, feedTeam int64) bool {
	return known == nil || *known == feedTeam
}

// resultUpdate maps a finished fixture onto the match. It fails when the feed
// participants fit neither order.
func resultUpdate(m match.Match, md Matchdata, ws match.WebService) (match.ResultUpdate, bool) {
	straight := candidate(m.Team1WsID, md.Team1.TeamID) && candidate(m.Team2WsID, md.Team2.TeamID)
	reversed := !straight && candidate(m.Team1WsID, md.Team2.TeamID) && candidate(m.Team2WsID, md.Team1.TeamID)
	if !straight && !reversed {
		return match.ResultUpdate{}, false
	}

	side := func(a, b int64) (int64, int64) {
		if reversed {
			return b, a
		}
		return a, b
	}
	up := match.ResultUpdate{MatchID: m.ID}
	t1, t2 := side(md.Team1.TeamID, md.Team2.TeamID)
	if m.Team1WsID == nil {
		up.Team1WsID = &t1
	}
	if m.Team2WsID == nil {
		up.Team2WsID = &t2
	}

	var normal, normalExtra, extra, penalty match.Goals
	for _, r := range md.MatchResults {
		a, b := side(int64(r.PointsTeam1), int64(r.PointsTeam2))
		g := match.NewGoals(int(a), int(b))
		switch r.ResultName {
		case "":
		case ws.ResultNormalLabel:
			normal = g
		case ws.ResultNormalExtraLabel:
			normalExtra = g
		case ws.ResultExtraLabel:
			extra = g
		case ws.ResultPenaltyLabel:
			penalty = g
		}
	}

	// With a separate 90-minute label the "normal" label holds the final score:
	// after penalties when extra time is reported too, otherwise after extra time.
	if normalExtra.Set() {
		if extra.Set() {
			penalty = normal
		} else {
			extra = normal
		}
		normal = normalExtra
	}
	up.Normal, up.Extra, up.Penalty = normal, extra, penalty
	return up, true
}
