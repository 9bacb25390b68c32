package resultsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchsync/internal/attempt"
	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/metrics"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

// Service owns the attempt counters and decides when each event fires next.
type Service struct {
	deps    Deps
	log     logx.Logger
	clock   clock.Clock
	metrics metrics.Sink

	attempts *attempt.Tracker
	locks    *keyedMutex

	mu      sync.RWMutex
	cfg     Config
	backoff attempt.Backoff
	started bool
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopSink()
	}
	s := &Service{
		deps:     deps,
		log:      deps.Log.With(logx.Component("resultsync")),
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		attempts: attempt.NewTracker(),
		locks:    newKeyedMutex(),
	}
	s.setConfig(cfg)
	return s
}

func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.backoff = cfg.backoff()
	s.mu.Unlock()
}

func (s *Service) config() (Config, attempt.Backoff) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.backoff
}

// Apply swaps the tunables and re-registers the reseed job when running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	old, _ := s.config()
	s.setConfig(cfg)
	cfg, _ = s.config()
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil
	}
	if old.Enabled != cfg.Enabled {
		if cfg.Enabled {
			return s.Start(ctx)
		}
		s.deps.Registry.RemovePeriodic(reseedJobName)
		return nil
	}
	if old.ReseedSpec != cfg.ReseedSpec || old.ReseedTimeout != cfg.ReseedTimeout {
		return s.registerReseed()
	}
	return nil
}

// Handle is the trigger handler: it runs one sync cycle for the fired job.
func (s *Service) Handle(ctx context.Context, p trigger.Payload) error {
	return s.ExecuteSync(ctx, p.EventID, p.MatchID)
}

// Start schedules every event that waits for a result and registers the
// periodic reseed. It does nothing while scheduling is disabled.
func (s *Service) Start(ctx context.Context) error {
	cfg, _ := s.config()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if !cfg.Enabled {
		s.log.Info("result sync disabled")
		return nil
	}
	n, err := s.Init(ctx)
	if err != nil {
		return err
	}
	if err := s.registerReseed(); err != nil {
		return err
	}
	s.log.Info("result sync started", logx.Int("scheduled", n), logx.String("reseed", cfg.ReseedSpec))
	return nil
}

// Stop unregisters the reseed job. Pending jobs belong to the registry and
// stop with it.
func (s *Service) Stop(context.Context) {
	s.deps.Registry.RemovePeriodic(reseedJobName)
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Service) registerReseed() error {
	cfg, _ := s.config()
	if cfg.ReseedSpec == "" || !cfg.Enabled {
		s.deps.Registry.RemovePeriodic(reseedJobName)
		return nil
	}
	return s.deps.Registry.AddPeriodic(reseedJobName, cfg.ReseedSpec, cfg.ReseedTimeout, func(ctx context.Context) error {
		_, err := s.Init(ctx)
		return err
	})
}

// Init schedules the first incomplete match of every event still inside its
// retry window. Events that already have a pending job keep it, so a periodic
// run only fills gaps. A new job starts from a zero attempt count. It returns
// the number of jobs created.
func (s *Service) Init(ctx context.Context) (int, error) {
	cfg, _ := s.config()
	if !cfg.Enabled {
		return 0, nil
	}
	pairs, err := s.deps.Locator.FirstIncompleteMatchesOfAllEvents(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("locate incomplete matches: %w", err)
	}
	n := 0
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !s.hasBinding(ctx, p.Event.ID) {
			continue
		}
		ok, err := s.scheduleMatch(ctx, p.Match, true)
		if err != nil {
			s.log.Warn("init schedule rejected", logx.EventID(int64(p.Event.ID)), logx.Err(err))
			continue
		}
		if ok {
			n++
		}
	}
	s.log.Debug("init done", logx.Int("events", len(pairs)), logx.Int("scheduled", n))
	return n, nil
}

func (s *Service) hasBinding(ctx context.Context, id match.EventID) bool {
	if s.deps.Bindings == nil {
		return true
	}
	ws, err := s.deps.Bindings.WebServices(ctx, id)
	if err != nil {
		s.log.Warn("web service lookup failed", logx.EventID(int64(id)), logx.Err(err))
		return false
	}
	if len(ws) == 0 {
		s.log.Warn("event has no web service; not scheduled", logx.EventID(int64(id)))
		return false
	}
	return true
}

// ScheduleByIncompleteMatch (re)places the job of m's event. The job fires at
// the match's expected end, or after the backoff of the event's current
// attempt count once that end has passed. It reports whether a job exists afterwards.
func (s *Service) ScheduleByIncompleteMatch(ctx context.Context, m match.Match) (bool, error) {
	return s.scheduleMatch(ctx, m, false)
}

func (s *Service) scheduleMatch(ctx context.Context, m match.Match, onlyIfAbsent bool) (bool, error) {
	if m.ID <= 0 || m.EventID <= 0 {
		return false, fmt.Errorf("%w: match %d of event %d", ErrInvalidArgument, m.ID, m.EventID)
	}
	unlock := s.locks.Lock(m.EventID)
	defer unlock()

	n := s.attempts.Get(m.EventID)
	if onlyIfAbsent {
		if s.deps.Registry.Exists(m.EventID) {
			return false, nil
		}
		s.attempts.Forget(m.EventID)
		n = 0
	}
	fireAt := s.fireTimeFor(m, n, s.clock.Now())
	res, err := s.scheduleLocked(ctx, m.EventID, m.ID, fireAt)
	return res == scheduled, err
}

// fireTimeFor is the expected end of m while it lies ahead, otherwise now plus
// the backoff of attempt n.
func (s *Service) fireTimeFor(m match.Match, n int, now time.Time) time.Time {
	if at, escalated := s.deps.Locator.ExpectedTriggerTime(m, now); !escalated {
		return at
	}
	_, b := s.config()
	return now.Add(b.Delay(n))
}

type scheduleResult int

const (
	scheduled scheduleResult = iota
	expired
	failed
)

// scheduleLocked registers the job when fireAt is inside the retry window.
// Call with the event lock held.
func (s *Service) scheduleLocked(ctx context.Context, id match.EventID, matchID match.MatchID, fireAt time.Time) (scheduleResult, error) {
	within, err := s.deps.Locator.IsWithinRetryWindow(ctx, id, fireAt)
	if err != nil {
		s.log.Warn("retry window check failed", logx.EventID(int64(id)), logx.Err(err))
		s.metrics.ScheduleFailed()
		s.publish(eventbus.SyncScheduleFailed, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), FireAt: fireAt, Err: err.Error()})
		return failed, nil
	}
	if !within {
		s.deps.Registry.Cancel(id)
		n := s.attempts.Get(id)
		s.attempts.Forget(id)
		s.log.Info("event expired; no further sync",
			logx.EventID(int64(id)),
			logx.MatchID(int64(matchID)),
			logx.Time("candidate", fireAt),
		)
		s.publish(eventbus.SyncExpired, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), Attempts: n, FireAt: fireAt})
		return expired, nil
	}

	ok, err := s.deps.Registry.Schedule(trigger.Payload{EventID: id, MatchID: matchID}, fireAt)
	if err != nil {
		return failed, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !ok {
		s.metrics.ScheduleFailed()
		s.publish(eventbus.SyncScheduleFailed, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), FireAt: fireAt})
		return failed, nil
	}
	if s.deps.History != nil {
		if err := s.deps.History.Record(ctx, id, fireAt); err != nil {
			s.log.Warn("trigger history write failed", logx.EventID(int64(id)), logx.Err(err))
		}
	}
	s.metrics.PendingJobs(s.deps.Registry.Len())
	return scheduled, nil
}

// Relaunch fires the event's pending job right away with a fresh attempt
// count. When matchID differs from the pending job's match the job is
// re-pointed first; matchID must belong to the event. It reports whether a
// job existed.
func (s *Service) Relaunch(ctx context.Context, id match.EventID, matchID match.MatchID) (bool, error) {
	if id <= 0 || matchID <= 0 {
		return false, fmt.Errorf("%w: relaunch event %d match %d", ErrInvalidArgument, id, matchID)
	}
	if err := s.checkMatchOf(ctx, id, matchID); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(id)
	job, ok := s.deps.Registry.Pending(id)
	if !ok {
		unlock()
		s.metrics.Relaunched(false)
		s.log.Info("relaunch ignored; no pending job", logx.EventID(int64(id)))
		return false, nil
	}
	s.attempts.Reset(id)
	now := s.clock.Now()
	if s.deps.History != nil {
		if err := s.deps.History.Reset(ctx, id); err == nil {
			_ = s.deps.History.Record(ctx, id, now)
		}
	}
	if job.MatchID != matchID {
		if _, err := s.deps.Registry.Schedule(trigger.Payload{EventID: id, MatchID: matchID}, job.FireAt); err != nil {
			unlock()
			return false, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	unlock()

	// The fired cycle takes the event lock itself.
	if !s.deps.Registry.FireNow(id) {
		s.log.Warn("relaunch could not fire job", logx.EventID(int64(id)))
	}
	s.metrics.Relaunched(true)
	s.publish(eventbus.SyncRelaunched, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), FireAt: now})
	s.log.Info("relaunched", logx.EventID(int64(id)), logx.MatchID(int64(matchID)))
	return true, nil
}

func (s *Service) checkMatchOf(ctx context.Context, id match.EventID, matchID match.MatchID) error {
	if s.deps.Matches == nil {
		return nil
	}
	m, err := s.deps.Matches.Match(ctx, matchID)
	if errors.Is(err, match.ErrNotFound) {
		return fmt.Errorf("%w: match %d not found", ErrInvalidArgument, matchID)
	}
	if err != nil {
		return fmt.Errorf("look up match %d: %w", matchID, err)
	}
	if m.EventID != id {
		return fmt.Errorf("%w: match %d belongs to event %d, not %d", ErrInvalidArgument, matchID, m.EventID, id)
	}
	return nil
}

func (s *Service) IsScheduled(id match.EventID) bool {
	return s.deps.Registry.Exists(id)
}

// Attempts lists the futile attempt counters.
func (s *Service) Attempts() []attempt.Entry {
	return s.attempts.Snapshot()
}

// Jobs lists pending jobs ordered by fire time.
func (s *Service) Jobs() []trigger.Job {
	return s.deps.Registry.Snapshot()
}

// Status collects what is known about one event. Cache failures leave the
// corresponding field empty.
func (s *Service) Status(ctx context.Context, id match.EventID) (Status, error) {
	if id <= 0 {
		return Status{}, fmt.Errorf("%w: event %d", ErrInvalidArgument, id)
	}
	st := Status{EventID: id, Attempts: s.attempts.Get(id)}
	if job, ok := s.deps.Registry.Pending(id); ok {
		st.Scheduled = true
		st.Job = &job
	}
	if s.deps.Completions != nil {
		if c, err := s.deps.Completions.Get(ctx, id); err == nil {
			st.Completion = &c
		} else {
			s.log.Debug("completion unavailable", logx.EventID(int64(id)), logx.Err(err))
		}
	}
	if s.deps.History != nil {
		if h, err := s.deps.History.List(ctx, id); err == nil {
			st.Triggers = h
		}
	}
	return st, nil
}

func (s *Service) publish(typ string, ev eventbus.SyncEvent) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
	}
}
