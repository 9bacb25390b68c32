package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	rtsup "matchsync/internal/runtime/supervisor"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: shutting down")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrInvalidTask = errors.New("engine: invalid task")
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds tasks that set no Timeout. 0 means unbounded.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that sat in the queue longer. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one unit of work. Run gets a context bounded by Timeout, or by
// Config.DefaultTimeout when Timeout is not positive.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

func (t Task) normalize() (Task, error) {
	if t.Run == nil {
		return t, fmt.Errorf("%w: nil Run", ErrInvalidTask)
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return t, fmt.Errorf("%w: empty Name", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	return t, nil
}

// Outcome values of a Record.
const (
	OutcomeQueued    = "queued"
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
	OutcomeQueueFull = "dropped_queue_full"
	OutcomeStale     = "dropped_stale"
)

// Record describes a task at one point of its life. Finished and stale runs
// are kept in the history ring; every Record is also the payload of the
// matching task.* bus event.
type Record struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

type Counters struct {
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Panicked         uint64 `json:"panicked"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
}

type Snapshot struct {
	Enabled  bool     `json:"enabled"`
	Running  bool     `json:"running"`
	Workers  int      `json:"workers"`
	QueueLen int      `json:"queue_len"`
	QueueCap int      `json:"queue_cap"`
	InFlight int      `json:"in_flight"`
	Counters Counters `json:"counters"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	History []Record `json:"history"`
	// Goroutines reports restarts and panics of the current workers.
	Goroutines []rtsup.GoroutineStats `json:"goroutines,omitempty"`
}
