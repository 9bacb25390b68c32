package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"matchsync/internal/eventbus"
	logx "matchsync/pkg/logx"
)

// worker drains p until the pool quits or ctx ends. Pending quit takes
// precedence over queued work.
func (s *Service) worker(ctx context.Context, p *pool) error {
	for {
		select {
		case <-p.quit:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case <-p.quit:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		case qt := <-p.queue:
			s.stats.inFlight.Add(1)
			s.execute(ctx, qt, p)
			s.stats.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, qt queuedTask, p *pool) {
	start := time.Now()
	rec := Record{ID: qt.task.ID, Name: qt.task.Name, EnqueuedAt: qt.at, QueueDelay: max(start.Sub(qt.at), 0)}
	cfg := s.config()
	if cfg.MaxQueueDelay > 0 && rec.QueueDelay > cfg.MaxQueueDelay {
		rec.Outcome = OutcomeStale
		s.dropped(rec, p)
		return
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	panicked, err := s.call(runCtx, qt.task)
	cancel()
	rec.Duration = time.Since(start)

	topic := eventbus.TaskFinished
	fields := []logx.Field{logx.String("task", rec.Name), logx.Duration("queue_delay", rec.QueueDelay), logx.Duration("took", rec.Duration)}
	switch {
	case panicked:
		rec.Outcome, rec.Error = OutcomePanicked, err.Error()
		topic = eventbus.TaskPanicked
	case err != nil:
		rec.Outcome, rec.Error = OutcomeFailed, err.Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
	default:
		rec.Outcome = OutcomeOK
		if rec.Duration >= slowTask {
			s.log.Info("task done", fields...)
		} else {
			s.log.Debug("task done", fields...)
		}
	}
	s.stats.count(rec.Outcome)
	s.stats.remember(rec, cfg.HistorySize)
	s.publish(topic, rec)
}

// call runs t and turns a panic into an error.
func (s *Service) call(ctx context.Context, t Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, err = true, fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return false, t.Run(ctx)
}
