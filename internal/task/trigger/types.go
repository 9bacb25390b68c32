package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/match"
	"matchsync/internal/task/engine"
	logx "matchsync/pkg/logx"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotRunning      = errors.New("trigger scheduler not running")
)

// Config controls trigger timing.
type Config struct {
	// Timezone is the IANA zone periodic cron specs are evaluated in.
	Timezone string
	// FireTimeout bounds one sync cycle on a worker.
	FireTimeout time.Duration
}

// Payload is what a fired job carries.
type Payload struct {
	EventID match.EventID `json:"event_id"`
	MatchID match.MatchID `json:"match_id"`
}

// Handler runs a fired job on a worker.
type Handler func(ctx context.Context, p Payload) error

// Enqueuer accepts work for the worker pool.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job describes a pending one-shot trigger.
type Job struct {
	Payload
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}

type job struct {
	Job
	timer *time.Timer
	ver   uint64
}

type periodicDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

// Scheduler keeps at most one pending one-shot job per event and hands fired
// jobs to the worker pool. It also hosts cron-driven periodic jobs.
type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock
	eng   Enqueuer

	mu      sync.Mutex
	cfg     Config
	handler Handler
	running bool
	jobs    map[match.EventID]*job
	ver     uint64

	parser   cron.Parser
	c        *cron.Cron
	loc      *time.Location
	periodic []periodicDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
