package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockArenaSerializesPerUser(t *testing.T) {
	arena := newLockArena()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := arena.lock("user-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)

	// All holders released, the arena should be empty again
	arena.mu.Lock()
	require.Empty(t, arena.locks)
	arena.mu.Unlock()
}

func TestLockArenaIsIndependentAcrossUsers(t *testing.T) {
	arena := newLockArena()

	unlockA := arena.lock("user-a")
	// Another user's lock must not block while user-a holds theirs
	done := make(chan struct{})
	go func() {
		unlockB := arena.lock("user-b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
