package match

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMatchEndMargin = 105 * time.Minute
	DefaultExpiry         = 7 * 24 * time.Hour
)

// Repository is the read side of match storage the locator depends on.
type Repository interface {
	Events(ctx context.Context) ([]Event, error)
	Event(ctx context.Context, id EventID) (Event, error)
	// FirstIncompleteMatch returns the earliest incomplete match of the event.
	FirstIncompleteMatch(ctx context.Context, id EventID) (Match, bool, error)
}

type LocatorConfig struct {
	// MatchEndMargin is added to a match's start time to get its expected end.
	MatchEndMargin time.Duration
	// Expiry is how long after an event's last progress retries continue. 0 disables retries.
	Expiry time.Duration
}

// Locator answers "which match is next to synchronize, and when".
type Locator struct {
	repo Repository

	mu  sync.RWMutex
	cfg LocatorConfig
}

func NewLocator(repo Repository, cfg LocatorConfig) *Locator {
	l := &Locator{repo: repo}
	l.Apply(cfg)
	return l
}

// Apply swaps the tunables. Safe for concurrent use.
func (l *Locator) Apply(cfg LocatorConfig) {
	if cfg.MatchEndMargin <= 0 {
		cfg.MatchEndMargin = DefaultMatchEndMargin
	}
	if cfg.Expiry < 0 {
		cfg.Expiry = 0
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Locator) config() LocatorConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FirstIncompleteMatchesOfAllEvents returns one pair per event that has an
// incomplete match and is still inside its retry window at now.
func (l *Locator) FirstIncompleteMatchesOfAllEvents(ctx context.Context, now time.Time) ([]Incomplete, error) {
	events, err := l.repo.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Incomplete, 0, len(events))
	for _, ev := range events {
		if !l.withinWindow(ev, now) {
			continue
		}
		m, ok, err := l.repo.FirstIncompleteMatch(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("first incomplete match of event %d: %w", ev.ID, err)
		}
		if ok {
			out = append(out, Incomplete{Event: ev, Match: m})
		}
	}
	return out, nil
}

// FirstIncompleteMatchOf returns the earliest-starting incomplete match of the event.
func (l *Locator) FirstIncompleteMatchOf(ctx context.Context, id EventID) (Match, bool, error) {
	return l.repo.FirstIncompleteMatch(ctx, id)
}

// ExpectedEnd is the instant a match is expected to be over.
func (l *Locator) ExpectedEnd(m Match) time.Time {
	return m.StartTime.Add(l.config().MatchEndMargin)
}

// EscalationCutoff is the latest start time of a match that is expected to be over at now.
func (l *Locator) EscalationCutoff(now time.Time) time.Time {
	return now.Add(-l.config().MatchEndMargin)
}

// ExpectedTriggerTime returns the match's expected end while it is still in the
// future. Once it has passed, escalated is true and the caller picks the fire time.
func (l *Locator) ExpectedTriggerTime(m Match, now time.Time) (fireAt time.Time, escalated bool) {
	end := l.ExpectedEnd(m)
	if end.After(now) {
		return end, false
	}
	return time.Time{}, true
}

// IsWithinRetryWindow reports whether candidate is earlier than the event's
// last progress plus the expiry threshold.
func (l *Locator) IsWithinRetryWindow(ctx context.Context, id EventID, candidate time.Time) (bool, error) {
	ev, err := l.repo.Event(ctx, id)
	if err != nil {
		return false, fmt.Errorf("event %d: %w", id, err)
	}
	return l.withinWindow(ev, candidate), nil
}

func (l *Locator) withinWindow(ev Event, t time.Time) bool {
	exp := l.config().Expiry
	if exp <= 0 {
		return false
	}
	return t.Before(ev.ProgressMark().Add(exp))
}
