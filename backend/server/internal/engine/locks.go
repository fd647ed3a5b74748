package engine

import "sync"

// lockArena hands out one mutex per user id so that connect, disconnect,
// admin actions, and sweeps for the same user never interleave, while
// different users proceed in parallel. Entries are refcounted and removed
// once the last holder releases, so the map stays proportional to the
// number of users with in-flight operations.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*userLock)}
}

// lock blocks until the caller holds the per-user lock and returns the
// matching unlock func.
func (a *lockArena) lock(userId string) func() {
	a.mu.Lock()
	l, ok := a.locks[userId]
	if !ok {
		l = &userLock{}
		a.locks[userId] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, userId)
		}
		a.mu.Unlock()
	}
}
