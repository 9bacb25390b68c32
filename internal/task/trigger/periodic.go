package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"matchsync/internal/task/engine"
	logx "matchsync/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddPeriodic registers (or replaces, by name) a cron-driven job. Specs accept
// 5 or 6 fields and descriptors such as "@every 30m" or "@hourly".
func (s *Scheduler) AddPeriodic(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return fmt.Errorf("%w: periodic job needs a name and a func", ErrInvalidArgument)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: spec %q: %v", ErrInvalidArgument, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePeriodicLocked(name)
	s.periodic = append(s.periodic, periodicDef{name: name, spec: spec, timeout: timeout, run: run})
	if s.c == nil {
		return nil
	}
	d := &s.periodic[len(s.periodic)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("periodic job registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// RemovePeriodic unregisters a periodic job. It reports whether one existed.
func (s *Scheduler) RemovePeriodic(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removePeriodicLocked(strings.TrimSpace(name))
}

// NextPeriodic returns the next run of a registered periodic job while cron runs.
func (s *Scheduler) NextPeriodic(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	for _, d := range s.periodic {
		if d.name == name && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) removePeriodicLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.periodic {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.periodic[n] = d
		n++
	}
	s.periodic = s.periodic[:n]
	return removed
}

func (s *Scheduler) addCronLocked(d *periodicDef) error {
	name, timeout, run := d.name, d.timeout, d.run
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		if s.eng == nil {
			return
		}
		if err := s.eng.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: run}); err != nil {
			s.reportEnqueueError(name, err)
		}
	}))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Scheduler) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.periodic {
		_ = s.addCronLocked(&s.periodic[i])
	}
	s.c.Start()
	s.log.Info("cron restarted", logx.String("tz", s.loc.String()), logx.Int("periodic", len(s.periodic)))
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// reportEnqueueError logs enqueue failures, throttled per task name.
func (s *Scheduler) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("trigger not enqueued: engine stopping", logx.String("task", name), logx.Err(err))
		return
	}
	s.log.Warn("trigger failed to enqueue task", logx.String("task", name), logx.Err(err))
}
