package resultsync

import (
	"sync"

	"matchsync/internal/match"
)

// keyedMutex serializes work per event. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[match.EventID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[match.EventID]*refMutex{}}
}

// Lock locks the event and returns its unlock func.
func (k *keyedMutex) Lock(id match.EventID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
