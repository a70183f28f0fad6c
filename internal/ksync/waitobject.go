package ksync

import "time"

// WaitObject is the base blocking primitive every higher-level "wait for
// an event" mechanism (process exit, thread join, device ready) is built
// from.
type WaitObject struct {
	hooks    Hooks
	listLock Spinlock
	waiters  []Schedulable
}

// NewWaitObject builds an empty WaitObject.
func NewWaitObject(hooks Hooks) *WaitObject {
	return &WaitObject{hooks: hooks}
}

// Wait suspends self on this WaitObject until TriggerNextThread,
// TriggerAllThreads or CancelWaitingThread(self) is called, or timeout
// elapses.
func (w *WaitObject) Wait(self Schedulable, timeout time.Duration) Outcome {
	if timeout == 0 {
		return TimedOut
	}

	unpin := w.hooks.Pin(self)
	w.listLock.Lock()
	self.SetPermitRunning(false)
	w.waiters = append(w.waiters, self)
	if timeout != Forever {
		self.SetWakeAfterNS(uint64(timeout))
	}
	w.listLock.Unlock()
	unpin()

	outcome := self.Suspend(timeout)

	if outcome == TimedOut {
		w.listLock.Lock()
		w.removeLocked(self)
		w.listLock.Unlock()
	}
	return outcome
}

// CancelWaitingThread removes thread from the wait list and wakes it, if
// it is currently waiting. The woken thread cannot tell this apart from
// a real trigger.
func (w *WaitObject) CancelWaitingThread(thread Schedulable) bool {
	w.listLock.Lock()
	removed := w.removeLocked(thread)
	w.listLock.Unlock()
	if removed {
		thread.SetWakeAfterNS(0)
		thread.SetPermitRunning(true)
		thread.Resume()
	}
	return removed
}

// TriggerNextThread wakes the single longest-waiting thread, if any.
func (w *WaitObject) TriggerNextThread() bool {
	w.listLock.Lock()
	if len(w.waiters) == 0 {
		w.listLock.Unlock()
		return false
	}
	next := w.waiters[0]
	w.waiters = w.waiters[1:]
	w.listLock.Unlock()

	next.SetWakeAfterNS(0)
	next.SetPermitRunning(true)
	next.Resume()
	return true
}

// TriggerAllThreads drains the wait list, waking every thread on it.
// Destructors must call this to avoid wedging anyone still waiting.
func (w *WaitObject) TriggerAllThreads() {
	w.listLock.Lock()
	drained := w.waiters
	w.waiters = nil
	w.listLock.Unlock()

	for _, t := range drained {
		t.SetWakeAfterNS(0)
		t.SetPermitRunning(true)
		t.Resume()
	}
}

// Close implements the destructor contract: trigger everyone waiting so
// nothing deadlocks.
func (w *WaitObject) Close() { w.TriggerAllThreads() }

// Len reports the number of threads currently waiting (diagnostic only).
func (w *WaitObject) Len() int {
	w.listLock.Lock()
	defer w.listLock.Unlock()
	return len(w.waiters)
}

func (w *WaitObject) removeLocked(thread Schedulable) bool {
	for i, t := range w.waiters {
		if t.ThreadID() == thread.ThreadID() {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return true
		}
	}
	return false
}
