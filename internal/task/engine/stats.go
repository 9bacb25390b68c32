package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	inFlight atomic.Int32

	completed    atomic.Uint64
	failed       atomic.Uint64
	panicked     atomic.Uint64
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64

	mu      sync.Mutex
	history []Record
}

// count bumps the counter for outcome and returns its new value.
func (st *stats) count(outcome string) uint64 {
	switch outcome {
	case OutcomeOK:
		return st.completed.Add(1)
	case OutcomeFailed:
		return st.failed.Add(1)
	case OutcomePanicked:
		return st.panicked.Add(1)
	case OutcomeQueueFull:
		return st.droppedFull.Add(1)
	case OutcomeStale:
		return st.droppedStale.Add(1)
	}
	return 0
}

func (st *stats) counters() Counters {
	return Counters{
		Completed:        st.completed.Load(),
		Failed:           st.failed.Load(),
		Panicked:         st.panicked.Load(),
		DroppedQueueFull: st.droppedFull.Load(),
		DroppedStale:     st.droppedStale.Load(),
	}
}

func (st *stats) remember(r Record, size int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.history = append(st.history, r)
	if over := len(st.history) - size; over > 0 {
		st.history = append(st.history[:0:0], st.history[over:]...)
	}
}

func (st *stats) recent() []Record {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]Record(nil), st.history...)
}

// throttle lets one call through per interval.
type throttle struct {
	last atomic.Int64
}

func (t *throttle) allow(now time.Time, every time.Duration) bool {
	prev := t.last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(every) {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
