package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (*NoopSink) CycleCompleted(string, time.Duration) {}
func (*NoopSink) FeedFetched(int, error)               {}
func (*NoopSink) FutileAttempt(int)                    {}
func (*NoopSink) PendingJobs(int)                      {}
func (*NoopSink) ScheduleFailed()                      {}
func (*NoopSink) Relaunched(bool)                      {}
