package eventbus

import "time"

// Sync lifecycle topics.
const (
	SyncScheduled      = "sync.scheduled"
	SyncFired          = "sync.fired"
	SyncCompleted      = "sync.completed"
	SyncProgressed     = "sync.progressed"
	SyncFutile         = "sync.futile"
	SyncExpired        = "sync.expired"
	SyncScheduleFailed = "sync.schedule_failed"
	SyncRelaunched     = "sync.relaunched"
)

// Task engine topics.
const (
	TaskEnqueued = "task.enqueued"
	TaskDropped  = "task.dropped"
	TaskFinished = "task.finished"
	TaskPanicked = "task.panicked"
)

// SyncEvent is the payload of every sync.* event.
type SyncEvent struct {
	EventID  int64
	MatchID  int64
	Attempts int
	FireAt   time.Time
	Updated  int
	Err      string
}
