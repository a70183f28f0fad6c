package ksync_test

import (
	"sync/atomic"
	"time"

	"github.com/martin-hughes/azalea/internal/ksync"
)

// fakeThread is a minimal ksync.Schedulable for unit-testing the
// primitives in isolation, without pulling in internal/sched.
type fakeThread struct {
	id            uint64
	permitRunning atomic.Bool
	wakeAfterNS   atomic.Uint64
	resumeCh      chan struct{}
}

func newFakeThread(id uint64) *fakeThread {
	return &fakeThread{id: id, resumeCh: make(chan struct{}, 1)}
}

func (t *fakeThread) ThreadID() uint64         { return t.id }
func (t *fakeThread) SetPermitRunning(v bool)  { t.permitRunning.Store(v) }
func (t *fakeThread) PermitRunning() bool      { return t.permitRunning.Load() }
func (t *fakeThread) SetWakeAfterNS(ns uint64) { t.wakeAfterNS.Store(ns) }

func (t *fakeThread) Suspend(timeout time.Duration) ksync.Outcome {
	if timeout == 0 {
		return ksync.TimedOut
	}
	if timeout == ksync.Forever {
		<-t.resumeCh
		return ksync.Signaled
	}
	select {
	case <-t.resumeCh:
		return ksync.Signaled
	case <-time.After(timeout):
		return ksync.TimedOut
	}
}

func (t *fakeThread) Resume() {
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

// fakeHooks is a no-op Hooks: pinning is a scheduler-placement concern
// that these unit tests don't exercise (covered by internal/sched's own
// tests and the boot-level end-to-end tests instead).
type fakeHooks struct{}

func (fakeHooks) Pin(ksync.Schedulable) (unpin func()) { return func() {} }
