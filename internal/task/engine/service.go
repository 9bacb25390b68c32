// Package engine runs queued tasks on a bounded, supervised worker pool.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"matchsync/internal/eventbus"
	rtsup "matchsync/internal/runtime/supervisor"
	logx "matchsync/pkg/logx"
)

const (
	dropWarnEvery = 5 * time.Second
	slowTask      = 750 * time.Millisecond
)

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	cur     *pool
	retired *pool

	stats     stats
	fullWarn  throttle
	staleWarn throttle
}

// pool is one generation of workers. Stop retires it; Start builds a new one.
type pool struct {
	queue chan queuedTask
	quit  chan struct{}
	done  chan struct{}
	sup   *rtsup.Supervisor
}

type queuedTask struct {
	task    Task
	at      time.Time
	timeout time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the config. A running pool is rebuilt when its shape changes or
// the engine is disabled; tasks still queued at that point are lost.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start builds the worker pool under ctx. It waits for a pool that is still
// draining and does nothing when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	old := s.retired
	s.mu.Unlock()
	if old != nil {
		select {
		case <-old.done:
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cur != nil || s.retired != nil {
		return
	}
	p := &pool{
		queue: make(chan queuedTask, s.cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error { return s.worker(c, p) })
	}
	s.cur = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop retires the running pool and waits for its workers until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p, initiated := s.cur, s.cur != nil
	if initiated {
		s.cur, s.retired = nil, p
		close(p.quit)
		p.sup.Cancel()
		go s.drain(p)
	} else {
		p = s.retired
	}
	s.mu.Unlock()
	if p == nil {
		return
	}

	select {
	case <-p.done:
		if initiated {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(p *pool) {
	_ = p.sup.Wait(context.Background())
	s.mu.Lock()
	if s.retired == p {
		s.retired = nil
	}
	s.mu.Unlock()
	close(p.done)
}

// Enqueue hands t to the pool without blocking. A full queue drops the task
// and returns ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx ends or the pool stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	t, err := t.normalize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	cfg, p, draining := s.cfg, s.cur, s.retired != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil && draining:
		return ErrStopping
	case p == nil:
		return ErrStopped
	}

	qt := queuedTask{task: t, at: time.Now(), timeout: t.Timeout}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	rec := Record{ID: t.ID, Name: t.Name, EnqueuedAt: qt.at, Outcome: OutcomeQueued}

	if block {
		select {
		case p.queue <- qt:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return ErrStopping
		}
	} else {
		select {
		case p.queue <- qt:
		default:
			rec.Outcome = OutcomeQueueFull
			s.dropped(rec, p)
			return ErrQueueFull
		}
	}
	s.publish(eventbus.TaskEnqueued, rec)
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        p != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.stats.inFlight.Load()),
		Counters:       s.stats.counters(),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		History:        s.stats.recent(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
		snap.Goroutines = p.sup.Snapshot().Goroutines
	}
	return snap
}

func (s *Service) publish(topic string, rec Record) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: rec})
	}
}

// dropped accounts for a task that never ran. Stale drops stay in history.
func (s *Service) dropped(rec Record, p *pool) {
	total := s.stats.count(rec.Outcome)
	s.publish(eventbus.TaskDropped, rec)

	now := time.Now()
	fields := []logx.Field{logx.String("task", rec.Name), logx.String("id", rec.ID), logx.Uint64("total", total)}
	switch rec.Outcome {
	case OutcomeQueueFull:
		if s.fullWarn.allow(now, dropWarnEvery) {
			s.log.Warn("task dropped: queue full", append(fields, logx.Int("queue_cap", cap(p.queue)))...)
		}
	case OutcomeStale:
		s.stats.remember(rec, s.config().HistorySize)
		if s.staleWarn.allow(now, dropWarnEvery) {
			s.log.Warn("task dropped: waited too long", append(fields, logx.Duration("queue_delay", rec.QueueDelay))...)
		}
	}
}
