package ingest

import "sync"

// lockArena hands out one mutex per repository id so transitions for the same
// repository serialize without stalling unrelated repositories. Entries are
// reference counted and dropped once unused.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the per-key lock is held and returns its release func.
func (a *lockArena) acquire(key string) func() {
	a.mu.Lock()
	entry, ok := a.locks[key]
	if !ok {
		entry = &lockEntry{}
		a.locks[key] = entry
	}
	entry.refs++
	a.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		a.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}
