// Package metrics records synchronization counters. Every method is
// fire-and-forget: implementations never block and never return errors.
package metrics

import "time"

// Sink receives sync lifecycle measurements.
type Sink interface {
	// CycleCompleted records one sync cycle and how it ended.
	CycleCompleted(outcome string, duration time.Duration)
	// FeedFetched records a feed run with the number of matches it updated.
	FeedFetched(updated int, err error)
	// FutileAttempt records the attempt count reached by a futile cycle.
	FutileAttempt(attempts int)
	PendingJobs(n int)
	ScheduleFailed()
	Relaunched(existed bool)
}

// Outcome values for CycleCompleted.
const (
	OutcomeCompleted  = "completed"
	OutcomeProgressed = "progressed"
	OutcomeFutile     = "futile"
	OutcomeExpired    = "expired"
	OutcomeFailed     = "failed"
)
