package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/task/engine"
	logx "matchsync/pkg/logx"
)

func New(cfg Config, eng Enqueuer, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		cfg:   cfg,
		eng:   eng,
		log:   log,
		bus:   bus,
		clock: clk,
		jobs:  map[match.EventID]*job{},
		// SecondOptional accepts both 5-field and 6-field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetHandler sets the function fired jobs run. Must be called before Start.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.restartCronLocked()
	}
}

// Start starts cron triggering and accepts one-shot jobs.
func (s *Scheduler) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.periodic {
		if err := s.addCronLocked(&s.periodic[i]); err != nil {
			s.log.Error("periodic job register failed", logx.String("name", s.periodic[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger scheduler started", logx.String("tz", s.loc.String()), logx.Int("periodic", len(s.periodic)))
}

// Stop stops cron and drops every pending one-shot job. Jobs are rebuilt from
// match data on the next start.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	dropped := len(s.jobs)
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("trigger scheduler stopped", logx.Int("dropped_jobs", dropped))
}

// Schedule replaces any job of p.EventID with one firing at fireAt.
// It returns false when the job could not be registered; the reason is logged.
func (s *Scheduler) Schedule(p Payload, fireAt time.Time) (bool, error) {
	if p.EventID <= 0 || p.MatchID <= 0 {
		return false, fmt.Errorf("%w: event %d match %d", ErrInvalidArgument, p.EventID, p.MatchID)
	}
	if fireAt.IsZero() {
		return false, fmt.Errorf("%w: zero fire time for event %d", ErrInvalidArgument, p.EventID)
	}

	s.mu.Lock()
	if !s.running || s.handler == nil {
		s.mu.Unlock()
		s.log.Warn("schedule rejected", logx.EventID(int64(p.EventID)), logx.Err(ErrNotRunning))
		return false, nil
	}
	s.removeLocked(p.EventID)
	s.addLocked(p, fireAt)
	s.mu.Unlock()

	s.log.Debug("job scheduled",
		logx.EventID(int64(p.EventID)),
		logx.MatchID(int64(p.MatchID)),
		logx.Time("fire_at", fireAt),
	)
	s.publish(eventbus.SyncScheduled, eventbus.SyncEvent{EventID: int64(p.EventID), MatchID: int64(p.MatchID), FireAt: fireAt})
	return true, nil
}

// Exists reports whether a job is pending for the event.
func (s *Scheduler) Exists(id match.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Pending returns the pending job of the event.
func (s *Scheduler) Pending(id match.EventID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// FireNow runs the pending job of the event immediately. It reports whether a
// job was pending and handed to the worker pool.
func (s *Scheduler) FireNow(id match.EventID) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(id)
	s.mu.Unlock()

	if err := s.dispatch(j.Payload); err != nil {
		s.restore(j.Job)
		return false
	}
	return true
}

// restore puts back a job whose dispatch failed, unless another job for the
// event was scheduled in the meantime.
func (s *Scheduler) restore(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.jobs[j.EventID]; taken || !s.running {
		return
	}
	s.addLocked(j.Payload, j.FireAt)
	s.log.Debug("job restored", logx.EventID(int64(j.EventID)), logx.Time("fire_at", j.FireAt))
}

// addLocked arms the timer of a new job. Call with s.mu held and no job
// present for the event.
func (s *Scheduler) addLocked(p Payload, fireAt time.Time) {
	now := s.clock.Now()
	s.ver++
	j := &job{Job: Job{Payload: p, FireAt: fireAt, CreatedAt: now}, ver: s.ver}
	ver := j.ver
	j.timer = time.AfterFunc(max(fireAt.Sub(now), 0), func() { s.fire(p.EventID, ver) })
	s.jobs[p.EventID] = j
}

// Cancel removes the pending job of the event without running it.
func (s *Scheduler) Cancel(id match.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// Snapshot lists pending jobs ordered by fire time.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FireAt.Equal(out[k].FireAt) {
			return out[i].FireAt.Before(out[k].FireAt)
		}
		return out[i].EventID < out[k].EventID
	})
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) removeLocked(id match.EventID) bool {
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, id)
	return true
}

// fire is the timer callback. A callback whose job was replaced or cancelled in
// the meantime sees a different version and does nothing.
func (s *Scheduler) fire(id match.EventID, ver uint64) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	_ = s.dispatch(j.Payload)
}

func (s *Scheduler) dispatch(p Payload) error {
	s.mu.Lock()
	h := s.handler
	timeout := s.cfg.FireTimeout
	s.mu.Unlock()
	if h == nil || s.eng == nil {
		s.reportEnqueueError(taskName(p.EventID), ErrNotRunning)
		return ErrNotRunning
	}

	err := s.eng.Enqueue(engine.Task{
		Name:    taskName(p.EventID),
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return h(ctx, p) },
	})
	if err != nil {
		s.reportEnqueueError(taskName(p.EventID), err)
		s.publish(eventbus.SyncScheduleFailed, eventbus.SyncEvent{EventID: int64(p.EventID), MatchID: int64(p.MatchID), Err: err.Error()})
		return err
	}
	s.publish(eventbus.SyncFired, eventbus.SyncEvent{EventID: int64(p.EventID), MatchID: int64(p.MatchID)})
	return nil
}

func (s *Scheduler) publish(typ string, ev eventbus.SyncEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
	}
}

func taskName(id match.EventID) string {
	return fmt.Sprintf("sync:event:%d", id)
}
