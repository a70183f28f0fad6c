package sched

import (
	"sync"

	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/martin-hughes/azalea/internal/paging"
	"github.com/martin-hughes/azalea/internal/vrange"
)

// Status is the process lifecycle state.
type Status int

const (
	StatusOK Status = iota
	StatusStopped
	StatusFailed
)

// Message is one entry in a process's message queue. IDs are
// allocated per-receiving-process, starting at 1.
type Message struct {
	ID   uint64
	From uint64
	Data []byte
}

// Process owns a set of threads and a virtual address space. A process
// holds strong references to its threads; threads refer back to their
// process by PID, not by pointer, so the two cannot form an
// uncollectable cycle even before accounting for Go's garbage
// collector.
type Process struct {
	pid        uint64
	kernelMode bool

	AddressSpace *paging.AddressSpace
	VAS          *vrange.Allocator

	mu              sync.Mutex
	threads         []*Thread
	acceptsMessages bool
	messageQueue    []Message
	nextMsgID       uint64
	status          Status
	exitCode        int
	beingDestroyed  bool
	onDeadList      bool
	started         bool
	startParams     []string

	handles *handleTable

	// ExitWait is signaled when the process is fully destroyed (its
	// last thread has exited).
	ExitWait *ksync.WaitObject
}

func newProcess(pid uint64, kernelMode bool, as *paging.AddressSpace, vas *vrange.Allocator, hooks ksync.Hooks) *Process {
	return &Process{
		pid:          pid,
		kernelMode:   kernelMode,
		AddressSpace: as,
		VAS:          vas,
		ExitWait:     ksync.NewWaitObject(hooks),
		handles:      newHandleTable(),
	}
}

func (p *Process) PID() uint64      { return p.pid }
func (p *Process) KernelMode() bool { return p.kernelMode }

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) BeingDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beingDestroyed
}

// SetAcceptsMessages toggles whether SendMessage will accept
// messages for this process.
func (p *Process) SetAcceptsMessages(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptsMessages = v
}

// Threads returns a snapshot of the process's current thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// SetStartParams records the argument strings handed to the process's
// first thread. Params may only change before the process starts.
func (p *Process) SetStartParams(params []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.beingDestroyed {
		return kerr.New("sched.Process.SetStartParams", kerr.InvalidOp)
	}
	p.startParams = append([]string(nil), params...)
	return nil
}

// StartParams returns the params recorded before start.
func (p *Process) StartParams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.startParams...)
}

// Start marks every thread in the process runnable.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.beingDestroyed {
		return kerr.New("sched.Process.Start", kerr.InvalidOp)
	}
	p.started = true
	for _, t := range p.threads {
		t.SetPermitRunning(true)
	}
	return nil
}

// Stop clears the runnable flag on every thread in the process.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		t.SetPermitRunning(false)
	}
}

func (p *Process) addThreadLocked(t *Thread) {
	p.threads = append(p.threads, t)
}

// removeThreadLocked removes t from the process's thread list and
// reports whether it was the last one.
func (p *Process) removeThreadLocked(t *Thread) (wasLast bool) {
	for i, cur := range p.threads {
		if cur == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	return len(p.threads) == 0
}

// markExitedLocked transitions the process to STOPPED (or FAILED, if
// failed is true) and records exitCode. It does not signal ExitWait;
// callers do that once p.mu is released.
func (p *Process) markExitedLocked(exitCode int, failed bool) {
	p.status = StatusStopped
	if failed {
		p.status = StatusFailed
	}
	p.exitCode = exitCode
	p.beingDestroyed = true
	p.onDeadList = true
}

// SendMessage enqueues data onto to's message queue on behalf of the
// sending process. Message IDs count up from 1 per receiving process.
func SendMessage(from, to *Process, data []byte) error {
	to.mu.Lock()
	defer to.mu.Unlock()
	if !to.acceptsMessages {
		return kerr.New("sched.SendMessage", kerr.SyncMsgNotAccepted)
	}
	to.nextMsgID++
	cp := append([]byte(nil), data...)
	to.messageQueue = append(to.messageQueue, Message{ID: to.nextMsgID, From: from.pid, Data: cp})
	return nil
}

// DequeueMessage pops the oldest queued message, or fails with
// kerr.SyncMsgQueueEmpty.
func (p *Process) DequeueMessage() (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messageQueue) == 0 {
		return Message{}, kerr.New("sched.DequeueMessage", kerr.SyncMsgQueueEmpty)
	}
	m := p.messageQueue[0]
	p.messageQueue = p.messageQueue[1:]
	return m, nil
}
