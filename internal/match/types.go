// Package match holds the tournament data model and the rules that locate the
// next match whose result still has to be synchronized.
package match

import (
	"errors"
	"sort"
	"time"
)

type (
	EventID int64
	MatchID int64
)

var ErrNotFound = errors.New("not found")

// Event is a tournament.
type Event struct {
	ID        EventID   `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// LastProgressAt is the last time a match result of the event was applied.
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
}

// ProgressMark is the instant the retry window is measured from: the later of
// the scheduled end and the last applied result.
func (e Event) ProgressMark() time.Time {
	if e.LastProgressAt.After(e.EndTime) {
		return e.LastProgressAt
	}
	return e.EndTime
}

// Goals is a nullable pair of scores.
type Goals struct {
	Team1 *int `json:"team1,omitempty"`
	Team2 *int `json:"team2,omitempty"`
}

func NewGoals(team1, team2 int) Goals { return Goals{Team1: &team1, Team2: &team2} }

func (g Goals) Set() bool { return g.Team1 != nil && g.Team2 != nil }

func (g Goals) Equal(o Goals) bool {
	return eqPtr(g.Team1, o.Team1) && eqPtr(g.Team2, o.Team2)
}

func eqPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Match is one fixture of an event.
type Match struct {
	ID        MatchID   `json:"id"`
	EventID   EventID   `json:"event_id"`
	StartTime time.Time `json:"start_time"`

	// Web-service team ids, nil while the participant is undecided.
	Team1WsID *int64 `json:"team1_ws_id,omitempty"`
	Team2WsID *int64 `json:"team2_ws_id,omitempty"`

	Normal  Goals `json:"normal"`
	Extra   Goals `json:"extra"`
	Penalty Goals `json:"penalty"`
}

// Complete reports whether normal-time goals are known for both sides.
func (m Match) Complete() bool { return m.Normal.Set() }

// Less orders matches by start time, then id.
func Less(a, b Match) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}

// FirstIncomplete returns the earliest incomplete match of ms.
func FirstIncomplete(ms []Match) (Match, bool) {
	var (
		best  Match
		found bool
	)
	for _, m := range ms {
		if m.Complete() {
			continue
		}
		if !found || Less(m, best) {
			best, found = m, true
		}
	}
	return best, found
}

func Sort(ms []Match) {
	sort.Slice(ms, func(i, j int) bool { return Less(ms[i], ms[j]) })
}

// Incomplete pairs an event with its first incomplete match.
type Incomplete struct {
	Event Event
	Match Match
}

// WebService binds an event to a league of the external results feed.
// The labels are the result names the feed uses for each period.
type WebService struct {
	ID             int64   `json:"id"`
	EventID        EventID `json:"event_id"`
	Priority       int     `json:"priority"`
	LeagueShortcut string  `json:"league_shortcut"`
	LeagueSeason   string  `json:"league_season"`

	ResultNormalLabel      string `json:"result_normal_label"`
	ResultNormalExtraLabel string `json:"result_normal_extra_label,omitempty"`
	ResultExtraLabel       string `json:"result_extra_label,omitempty"`
	ResultPenaltyLabel     string `json:"result_penalty_label,omitempty"`
}

// ResultUpdate carries the values the feed supplied for one match.
// Nil team ids leave the stored participant untouched.
type ResultUpdate struct {
	MatchID   MatchID
	Team1WsID *int64
	Team2WsID *int64
	Normal    Goals
	Extra     Goals
	Penalty   Goals
}
