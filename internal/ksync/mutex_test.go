package ksync_test

import (
	"testing"
	"time"

	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/stretchr/testify/require"
)

func TestMutexUncontendedAcquireRelease(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	a := newFakeThread(1)
	require.Equal(t, ksync.Acquired, m.Acquire(a, ksync.Forever))
	require.True(t, m.Locked())
	require.True(t, m.Release(a, true))
	require.False(t, m.Locked())
}

// TestMutexReacquireByOwner: a thread that holds the mutex, calling
// Acquire again, returns AlreadyOwned without blocking.
func TestMutexReacquireByOwner(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	a := newFakeThread(1)
	require.Equal(t, ksync.Acquired, m.Acquire(a, ksync.Forever))
	require.Equal(t, ksync.AlreadyOwned, m.Acquire(a, ksync.Forever))
}

// TestMutexReleaseNoWaiters: release after zero waiters leaves the mutex
// unlocked.
func TestMutexReleaseNoWaiters(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	a := newFakeThread(1)
	m.Acquire(a, ksync.Forever)
	m.Release(a, true)
	require.False(t, m.Locked())
}

// TestMutexFIFOWaiters: waiters W1, W2, W3 acquire in that order after
// the owner releases three times.
func TestMutexFIFOWaiters(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	owner := newFakeThread(1)
	require.Equal(t, ksync.Acquired, m.Acquire(owner, ksync.Forever))

	w1, w2, w3 := newFakeThread(2), newFakeThread(3), newFakeThread(4)
	order := make(chan uint64, 3)
	start := func(w *fakeThread) {
		go func() {
			res := m.Acquire(w, ksync.Forever)
			if res == ksync.Acquired {
				order <- w.ThreadID()
			}
		}()
	}
	start(w1)
	time.Sleep(20 * time.Millisecond)
	start(w2)
	time.Sleep(20 * time.Millisecond)
	start(w3)
	time.Sleep(20 * time.Millisecond)

	m.Release(owner, true)
	require.Equal(t, w1.ThreadID(), <-order)
	m.Release(w1, true)
	require.Equal(t, w2.ThreadID(), <-order)
	m.Release(w2, true)
	require.Equal(t, w3.ThreadID(), <-order)
}

func TestMutexZeroTimeoutDoesNotBlock(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	owner := newFakeThread(1)
	m.Acquire(owner, ksync.Forever)

	other := newFakeThread(2)
	require.Equal(t, ksync.Timeout, m.Acquire(other, 0))
}

func TestMutexFiniteTimeoutExpires(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	owner := newFakeThread(1)
	m.Acquire(owner, ksync.Forever)

	other := newFakeThread(2)
	start := time.Now()
	require.Equal(t, ksync.Timeout, m.Acquire(other, 30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.False(t, m.Release(other, true))
}

func TestMutexReleaseBypassingOwnerCheck(t *testing.T) {
	m := ksync.NewMutex(fakeHooks{})
	owner := newFakeThread(1)
	m.Acquire(owner, ksync.Forever)

	other := newFakeThread(2)
	require.True(t, m.Release(other, false))
	require.False(t, m.Locked())
}
