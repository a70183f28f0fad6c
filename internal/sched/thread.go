// Package sched implements the preemptive, multi-CPU thread scheduler.
//
// There is no real hardware context switch available to a hosted Go
// program, so "running" is modeled as a goroutine parked on
// Thread.Suspend, woken by Thread.Resume — the same mechanism
// internal/ksync's primitives use to block and wake threads. The
// scheduler's job is entirely bookkeeping: which thread is current on
// which CPU, the circular runnable list, wake deadlines, and
// destruction.
package sched

import (
	"sync/atomic"
	"time"

	"github.com/martin-hughes/azalea/internal/addr"
	"github.com/martin-hughes/azalea/internal/ksync"
)

// ExecContext is the saved architectural execution state: register
// file, CR3, and the kernel/user stack pointers. The scheduler stores
// it opaquely; no field is interpreted here, and in this hosted model
// nothing ever restores it into a real CPU.
type ExecContext struct {
	Regs     [16]uint64
	CR3      addr.PhysAddr
	KernelSP uintptr
	UserSP   uintptr
}

// Thread is one schedulable unit of execution. It implements
// ksync.Schedulable so the synchronization primitives in internal/ksync
// can suspend and resume it without importing this package.
type Thread struct {
	id         uint64
	processPID uint64
	isWorker   bool

	cycleLock     ksync.Spinlock
	permitRunning atomic.Bool
	wakeAfterNS   atomic.Uint64
	destroyed     atomic.Bool
	affinityCPU   atomic.Int32 // -1: no affinity

	resumeCh chan struct{}

	exec ExecContext

	// exitWait is signaled when the thread is destroyed, so anyone
	// joining on the thread unblocks.
	exitWait *ksync.WaitObject

	// next/prev form the global circular thread cycle: an intrusive
	// doubly linked list written only while holding the owning
	// Scheduler's cycle lock, never the thread's own cycleLock.
	// NextThread and Tick walk it without that lock.
	next, prev *Thread

	tls [16]any
}

func newThread(id, processPID uint64, worker bool, hooks ksync.Hooks) *Thread {
	t := &Thread{
		id:         id,
		processPID: processPID,
		isWorker:   worker,
		resumeCh:   make(chan struct{}, 1),
		exitWait:   ksync.NewWaitObject(hooks),
	}
	t.affinityCPU.Store(-1)
	return t
}

// ThreadID implements ksync.Schedulable.
func (t *Thread) ThreadID() uint64 { return t.id }

// ExecContext returns the thread's saved execution state.
func (t *Thread) ExecContext() *ExecContext { return &t.exec }

// JoinWait returns the WaitObject signaled when this thread is
// destroyed; waiting on it joins the thread.
func (t *Thread) JoinWait() *ksync.WaitObject { return t.exitWait }

// Destroyed reports whether the thread has been torn down.
func (t *Thread) Destroyed() bool { return t.destroyed.Load() }

// ProcessPID returns the owning process's PID. The back-reference is a
// value PID rather than a pointer, so destroying a process cannot be
// blocked by a thread still holding a strong reference to it.
func (t *Thread) ProcessPID() uint64 { return t.processPID }

// IsWorker reports whether this is a kernel worker thread (e.g. the
// tidy-up thread).
func (t *Thread) IsWorker() bool { return t.isWorker }

// SetPermitRunning implements ksync.Schedulable.
func (t *Thread) SetPermitRunning(v bool) { t.permitRunning.Store(v) }

// PermitRunning reports whether the thread is currently eligible for
// selection by the scheduler.
func (t *Thread) PermitRunning() bool { return t.permitRunning.Load() }

// SetWakeAfterNS implements ksync.Schedulable. A zero value means no
// deadline.
func (t *Thread) SetWakeAfterNS(ns uint64) { t.wakeAfterNS.Store(ns) }

// WakeAfterNS returns the thread's wake deadline, in nanoseconds on
// the scheduler's time source.
func (t *Thread) WakeAfterNS() uint64 { return t.wakeAfterNS.Load() }

// SetAffinity restricts the thread to one CPU: other CPUs skip it
// during cycle scans.
func (t *Thread) SetAffinity(cpu int) { t.affinityCPU.Store(int32(cpu)) }

// ClearAffinity removes any CPU pin.
func (t *Thread) ClearAffinity() { t.affinityCPU.Store(-1) }

// Affinity reports the thread's pinned CPU, if any.
func (t *Thread) Affinity() (cpu int, ok bool) {
	v := t.affinityCPU.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// Suspend implements ksync.Schedulable: it blocks the calling goroutine
// until Resume is called or timeout elapses.
func (t *Thread) Suspend(timeout time.Duration) ksync.Outcome {
	switch {
	case timeout == 0:
		select {
		case <-t.resumeCh:
			return ksync.Signaled
		default:
			return ksync.TimedOut
		}
	case timeout == ksync.Forever:
		<-t.resumeCh
		return ksync.Signaled
	default:
		select {
		case <-t.resumeCh:
			return ksync.Signaled
		case <-time.After(timeout):
			return ksync.TimedOut
		}
	}
}

// Resume implements ksync.Schedulable.
func (t *Thread) Resume() {
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

// SetTLS and TLS access the thread's sixteen thread-local storage
// slots.
func (t *Thread) SetTLS(slot int, v any) { t.tls[slot] = v }
func (t *Thread) TLS(slot int) any       { return t.tls[slot] }
