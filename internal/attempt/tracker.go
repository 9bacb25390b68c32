// Package attempt counts consecutive futile synchronization attempts per event
// and turns the count into a retry delay.
package attempt

import (
	"sort"
	"sync"
	"time"

	"matchsync/internal/match"
)

// Tracker is a concurrency-safe eventID → attempt count map. A missing entry counts as 0.
type Tracker struct {
	mu     sync.Mutex
	counts map[match.EventID]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: map[match.EventID]int{}}
}

func (t *Tracker) Get(id match.EventID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Increment bumps the count and returns the new value.
func (t *Tracker) Increment(id match.EventID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	return t.counts[id]
}

// Reset sets the count to 0 while keeping the event tracked.
func (t *Tracker) Reset(id match.EventID) {
	t.mu.Lock()
	t.counts[id] = 0
	t.mu.Unlock()
}

// Forget drops the event entirely.
func (t *Tracker) Forget(id match.EventID) {
	t.mu.Lock()
	delete(t.counts, id)
	t.mu.Unlock()
}

type Entry struct {
	EventID  match.EventID `json:"event_id"`
	Attempts int           `json:"attempts"`
}

// Snapshot returns every tracked event ordered by id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.counts))
	for id, n := range t.counts {
		out = append(out, Entry{EventID: id, Attempts: n})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Backoff maps an attempt count to the delay before the next poll.
type Backoff struct {
	// Offset is used for n = 0, the first poll after a match's expected end.
	Offset time.Duration
	// Unit is the delay of the first futile attempt; it doubles per attempt.
	Unit time.Duration
	// Max caps the delay. 0 means no cap.
	Max time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Offset: time.Second, Unit: time.Minute, Max: 24 * time.Hour}
}

// Delay returns Offset for n <= 0 and Unit * 2^(n-1) otherwise.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 {
		return b.Offset
	}
	unit := b.Unit
	if unit <= 0 {
		unit = time.Minute
	}
	d := unit
	for i := 1; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		// Stop doubling before the shift overflows.
		if d > time.Duration(1<<62)/2 {
			return d
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
