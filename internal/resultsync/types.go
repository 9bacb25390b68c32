// Package resultsync keeps one pending sync job per event with an unfinished
// match and drives each event from match to match until its results are in.
//
// A fired job runs one cycle: pull results from the feed, look at the event's
// first incomplete match again, and schedule the next cycle. The next cycle
// comes right after the expected end of a newly reached match, or after an
// exponentially growing delay while the same match stays unfinished. Events
// that show no progress for longer than the expiry threshold are left alone.
package resultsync

import (
	"context"
	"errors"
	"time"

	"matchsync/internal/attempt"
	"matchsync/internal/cache"
	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/metrics"
	"matchsync/internal/storage"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

// ErrInvalidArgument reports a precondition violation by the caller.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultReseedTimeout = 2 * time.Minute
	DefaultReseedSpec    = "@every 30m"
	reseedJobName        = "sync:reseed"
)

type Config struct {
	Enabled bool
	// EscalateOffset is the delay before polling a match whose expected end has passed.
	EscalateOffset time.Duration
	// MaxBackoff caps the futile-attempt delay. 0 means no cap.
	MaxBackoff   time.Duration
	FetchTimeout time.Duration
	// ReseedSpec is the cron spec of the periodic Init run. Empty disables it.
	ReseedSpec string
	// ReseedTimeout bounds one periodic Init run.
	ReseedTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EscalateOffset <= 0 {
		c.EscalateOffset = attempt.DefaultBackoff().Offset
	}
	if c.MaxBackoff < 0 {
		c.MaxBackoff = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ReseedTimeout <= 0 {
		c.ReseedTimeout = DefaultReseedTimeout
	}
	return c
}

func (c Config) backoff() attempt.Backoff {
	b := attempt.DefaultBackoff()
	b.Offset = c.EscalateOffset
	b.Max = c.MaxBackoff
	return b
}

// Locator finds the match an event waits for and bounds how long retries go on.
type Locator interface {
	FirstIncompleteMatchesOfAllEvents(ctx context.Context, now time.Time) ([]match.Incomplete, error)
	FirstIncompleteMatchOf(ctx context.Context, id match.EventID) (match.Match, bool, error)
	ExpectedTriggerTime(m match.Match, now time.Time) (fireAt time.Time, escalated bool)
	IsWithinRetryWindow(ctx context.Context, id match.EventID, candidate time.Time) (bool, error)
}

// ResultFetcher pulls results of an event from the feed and stores them.
type ResultFetcher interface {
	FetchAndApplyResults(ctx context.Context, id match.EventID) (int, error)
}

// Registry holds the pending one-shot job of each event and the periodic jobs.
type Registry interface {
	Schedule(p trigger.Payload, fireAt time.Time) (bool, error)
	Exists(id match.EventID) bool
	Pending(id match.EventID) (trigger.Job, bool)
	FireNow(id match.EventID) bool
	Cancel(id match.EventID) bool
	Snapshot() []trigger.Job
	Len() int
	AddPeriodic(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error
	RemovePeriodic(name string) bool
}

// MatchLookup loads a single match.
type MatchLookup interface {
	Match(ctx context.Context, id match.MatchID) (match.Match, error)
}

// BindingLister reports the feed bindings of an event.
type BindingLister interface {
	WebServices(ctx context.Context, id match.EventID) ([]match.WebService, error)
}

// CompletionSource serves completion figures for status views.
type CompletionSource interface {
	Get(ctx context.Context, id match.EventID) (storage.Completion, error)
}

// Deps are the collaborators of a Service. Locator, Feed and Registry are
// required. Without Matches, Relaunch accepts any match id.
type Deps struct {
	Locator     Locator
	Feed        ResultFetcher
	Registry    Registry
	Bindings    BindingLister
	Matches     MatchLookup
	Completion  cache.CompletionCache
	Completions CompletionSource
	History     cache.TriggerHistory
	Metrics     metrics.Sink
	Bus         eventbus.Bus
	Clock       clock.Clock
	Log         logx.Logger
}

// Status is the per-event view served to operators.
type Status struct {
	EventID    match.EventID       `json:"event_id"`
	Scheduled  bool                `json:"scheduled"`
	Job        *trigger.Job        `json:"job,omitempty"`
	Attempts   int                 `json:"attempts"`
	Completion *storage.Completion `json:"completion,omitempty"`
	Triggers   []time.Time         `json:"triggers,omitempty"`
}
