package resultsync

import (
	"context"
	"fmt"
	"time"

	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/metrics"
	logx "matchsync/pkg/logx"
)

// ExecuteSync runs one cycle for a fired job that was scheduled for matchID.
// Feed and storage failures are logged and end as a futile attempt; only
// invalid ids are returned as errors. A failed feed run still counts the
// matches it updated before failing.
func (s *Service) ExecuteSync(ctx context.Context, id match.EventID, matchID match.MatchID) error {
	if id <= 0 || matchID <= 0 {
		return fmt.Errorf("%w: execute event %d match %d", ErrInvalidArgument, id, matchID)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	start := s.clock.Now()
	log := s.log.With(logx.EventID(int64(id)), logx.MatchID(int64(matchID)))
	cfg, b := s.config()

	updated := s.fetch(ctx, id, cfg.FetchTimeout, log)
	if updated > 0 && s.deps.Completion != nil {
		if err := s.deps.Completion.Invalidate(ctx, id); err != nil {
			log.Warn("completion cache invalidate failed", logx.Err(err))
		}
	}

	next, found, err := s.deps.Locator.FirstIncompleteMatchOf(ctx, id)
	if err != nil {
		// Unknown state: keep waiting for the same match.
		log.Error("first incomplete match lookup failed", logx.Err(err))
		found, next = true, match.Match{ID: matchID, EventID: id}
	}
	now := s.clock.Now()

	var (
		outcome string
		fireAt  time.Time
	)
	switch {
	case !found:
		s.attempts.Forget(id)
		if s.deps.History != nil {
			if err := s.deps.History.Reset(ctx, id); err != nil {
				log.Warn("trigger history reset failed", logx.Err(err))
			}
		}
		log.Info("all match results synchronized", logx.Int("updated", updated))
		s.publish(eventbus.SyncCompleted, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), Updated: updated})
		s.metrics.CycleCompleted(metrics.OutcomeCompleted, s.clock.Now().Sub(start))
		return nil

	case next.ID == matchID:
		n := s.attempts.Increment(id)
		fireAt = now.Add(b.Delay(n))
		outcome = metrics.OutcomeFutile
		s.metrics.FutileAttempt(n)
		log.Info("futile attempt", logx.Int("attempts", n), logx.Time("next", fireAt))
		s.publish(eventbus.SyncFutile, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(matchID), Attempts: n, FireAt: fireAt, Updated: updated})

	default:
		s.attempts.Reset(id)
		fireAt = s.fireTimeFor(next, 0, now)
		outcome = metrics.OutcomeProgressed
		log.Info("progressed to next match", logx.Int64("next_match_id", int64(next.ID)), logx.Int("updated", updated), logx.Time("next", fireAt))
		s.publish(eventbus.SyncProgressed, eventbus.SyncEvent{EventID: int64(id), MatchID: int64(next.ID), FireAt: fireAt, Updated: updated})
	}

	res, err := s.scheduleLocked(ctx, id, next.ID, fireAt)
	if err != nil {
		log.Error("reschedule rejected", logx.Err(err))
	}
	switch res {
	case expired:
		outcome = metrics.OutcomeExpired
	case failed:
		outcome = metrics.OutcomeFailed
	}
	s.metrics.CycleCompleted(outcome, s.clock.Now().Sub(start))
	return nil
}

func (s *Service) fetch(ctx context.Context, id match.EventID, timeout time.Duration, log logx.Logger) int {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	updated, err := s.deps.Feed.FetchAndApplyResults(fctx, id)
	s.metrics.FeedFetched(updated, err)
	if err != nil {
		log.Warn("result fetch failed", logx.Int("updated", updated), logx.Err(err))
	}
	return updated
}
