package ksync

import "time"

// AcquireResult reports the outcome of Mutex.Acquire.
type AcquireResult int

const (
	Acquired AcquireResult = iota
	AlreadyOwned
	Timeout
)

// Mutex is a FIFO-waiter mutual-exclusion lock. Unlike Spinlock, a
// thread that can't immediately acquire it suspends instead of
// spinning.
type Mutex struct {
	hooks   Hooks
	access  Spinlock
	locked  bool
	owner   Schedulable
	waiters []Schedulable
}

// NewMutex builds an unlocked mutex that uses hooks to pin/unpin waiting
// threads.
func NewMutex(hooks Hooks) *Mutex {
	return &Mutex{hooks: hooks}
}

// Acquire attempts to take the mutex on behalf of self, waiting up to
// timeout (0 = don't block, Forever = block forever, anything else is a
// finite deadline).
func (m *Mutex) Acquire(self Schedulable, timeout time.Duration) AcquireResult {
	m.access.Lock()
	if !m.locked {
		m.locked = true
		m.owner = self
		m.access.Unlock()
		return Acquired
	}
	if m.owner != nil && m.owner.ThreadID() == self.ThreadID() {
		m.access.Unlock()
		return AlreadyOwned
	}
	if timeout == 0 {
		m.access.Unlock()
		return Timeout
	}

	unpin := m.hooks.Pin(self)
	self.SetPermitRunning(false)
	m.waiters = append(m.waiters, self)
	if timeout != Forever {
		self.SetWakeAfterNS(uint64(timeout))
	}
	m.access.Unlock()
	unpin()

	self.Suspend(timeout)

	m.access.Lock()
	if m.owner != nil && m.owner.ThreadID() == self.ThreadID() {
		m.access.Unlock()
		return Acquired
	}
	m.removeWaiterLocked(self)
	m.access.Unlock()
	return Timeout
}

// Release gives the mutex to the next FIFO waiter, or marks it unlocked
// if there are none. If checkOwner is true and self does not hold the
// mutex, Release is a no-op that returns false; pass checkOwner=false
// to bypass the ownership check entirely.
func (m *Mutex) Release(self Schedulable, checkOwner bool) bool {
	m.access.Lock()
	defer m.access.Unlock()

	if checkOwner && (m.owner == nil || m.owner.ThreadID() != self.ThreadID()) {
		return false
	}

	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.owner = next
		next.SetWakeAfterNS(0)
		next.SetPermitRunning(true)
		next.Resume()
		return true
	}

	m.locked = false
	m.owner = nil
	return true
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool {
	m.access.Lock()
	defer m.access.Unlock()
	return m.locked
}

func (m *Mutex) removeWaiterLocked(self Schedulable) {
	for i, w := range m.waiters {
		if w.ThreadID() == self.ThreadID() {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}
