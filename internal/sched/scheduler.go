package sched

import (
	"sync"
	"sync/atomic"

	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/martin-hughes/azalea/internal/paging"
	"github.com/martin-hughes/azalea/internal/vrange"
	"github.com/rs/zerolog"
)

// PerCPU tracks the scheduling state of one logical CPU.
type PerCPU struct {
	id int

	mu              sync.Mutex
	current         *Thread // what is actually executing, possibly idle
	cycleCursor     *Thread // last non-idle thread selected; scan resumes after it
	continueCurrent bool
	idle            *Thread
}

func (c *PerCPU) ID() int { return c.id }

// Scheduler owns the global thread cycle, the per-CPU blocks, and the
// process registry.
type Scheduler struct {
	log zerolog.Logger

	cycleMu   sync.Mutex
	cycleHead *Thread
	cycleLen  int

	procMu    sync.Mutex
	processes map[uint64]*Process
	bspPID    uint64
	bspSet    bool

	nextThreadID atomic.Uint64
	nextPID      atomic.Uint64

	cpus []*PerCPU

	deadMu        sync.Mutex
	deadThreads   []*Thread
	deadProcesses []*Process
}

// New builds a scheduler with the given number of logical CPUs, each
// with its own idle thread outside the cycle.
func New(numCPUs int, log zerolog.Logger) *Scheduler {
	s := &Scheduler{log: log, processes: make(map[uint64]*Process)}
	s.cpus = make([]*PerCPU, numCPUs)
	for i := range s.cpus {
		idle := newThread(s.nextThreadID.Add(1), 0, true, s)
		idle.SetPermitRunning(true)
		s.cpus[i] = &PerCPU{id: i, idle: idle, current: idle}
	}
	return s
}

func (s *Scheduler) CPU(id int) *PerCPU { return s.cpus[id] }
func (s *Scheduler) NumCPUs() int       { return len(s.cpus) }

// CreateProcess registers a new process with its own address space and
// virtual-range allocator. The first process created becomes the BSP
// process for the purposes of last-thread-of-BSP rule.
func (s *Scheduler) CreateProcess(kernelMode bool, as *paging.AddressSpace, vas *vrange.Allocator) *Process {
	pid := s.nextPID.Add(1) - 1 // first process created is PID 0
	p := newProcess(pid, kernelMode, as, vas, s)

	s.procMu.Lock()
	s.processes[pid] = p
	if !s.bspSet {
		s.bspPID = pid
		s.bspSet = true
	}
	s.procMu.Unlock()
	return p
}

// PeekNextPID reports the PID the next call to CreateProcess will
// assign, without reserving it. Callers that must build a process's
// address space before the process exists (see boot.Kernel.CreateProcess)
// use this to keep the two in step; it is only safe to rely on when no
// other CreateProcess call can race in between.
func (s *Scheduler) PeekNextPID() uint64 { return s.nextPID.Load() }

// Process looks up a process by PID.
func (s *Scheduler) Process(pid uint64) (*Process, bool) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// CreateThread allocates a new thread owned by p, created stopped, and
// inserts it into the global cycle. A process that has begun
// destruction can never gain another thread.
func (s *Scheduler) CreateThread(p *Process, worker bool) (*Thread, error) {
	t := newThread(s.nextThreadID.Add(1), p.pid, worker, s)
	if p.AddressSpace != nil {
		t.exec.CR3 = p.AddressSpace.Root()
	}

	p.mu.Lock()
	if p.beingDestroyed {
		p.mu.Unlock()
		return nil, kerr.New("sched.CreateThread", kerr.InvalidOp)
	}
	p.addThreadLocked(t)
	p.mu.Unlock()

	s.insertIntoCycle(t)
	return t, nil
}

// SleepUntil parks t until the scheduler clock reaches wakeNS; the
// next Tick at or past that instant makes it runnable again.
func (s *Scheduler) SleepUntil(t *Thread, wakeNS uint64) {
	t.SetWakeAfterNS(wakeNS)
	t.SetPermitRunning(false)
}

func (s *Scheduler) insertIntoCycle(t *Thread) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.cycleHead == nil {
		t.next, t.prev = t, t
		s.cycleHead = t
	} else {
		tail := s.cycleHead.prev
		t.next = s.cycleHead
		t.prev = tail
		tail.next = t
		s.cycleHead.prev = t
	}
	s.cycleLen++
}

// forgetThread clears any per-CPU bookkeeping still pointing at t
// after it leaves the cycle: a stale cycleCursor would otherwise make
// every later scan start from a node whose next pointer was severed,
// pinning that CPU to its idle thread forever. Takes each CPU's own
// lock, so it must not be called with cycleMu held.
func (s *Scheduler) forgetThread(t *Thread) {
	for _, cpu := range s.cpus {
		cpu.mu.Lock()
		if cpu.cycleCursor == t {
			cpu.cycleCursor = nil
		}
		if cpu.current == t {
			cpu.current = cpu.idle
		}
		cpu.mu.Unlock()
	}
}

// removeFromCycleLocked must be called with cycleMu held.
func (s *Scheduler) removeFromCycleLocked(t *Thread) {
	if s.cycleLen == 0 {
		return
	}
	if s.cycleLen == 1 {
		s.cycleHead = nil
		s.cycleLen = 0
		t.next, t.prev = nil, nil
		return
	}
	t.prev.next = t.next
	t.next.prev = t.prev
	if s.cycleHead == t {
		s.cycleHead = t.next
	}
	t.next, t.prev = nil, nil
	s.cycleLen--
}

// NextThread selects the next thread the given CPU should run,
// optionally abandoning the current one first.
func (s *Scheduler) NextThread(cpuID int, abandonCurrent bool) *Thread {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	defer cpu.mu.Unlock()

	if abandonCurrent && cpu.current != nil && cpu.current != cpu.idle {
		cpu.current.cycleLock.Unlock()
		cpu.current = nil
	}
	if cpu.continueCurrent && cpu.current != nil {
		return cpu.current
	}

	s.cycleMu.Lock()
	var start *Thread
	if cpu.cycleCursor != nil {
		start = cpu.cycleCursor.next
	} else {
		start = s.cycleHead
	}
	cycleLen := s.cycleLen
	s.cycleMu.Unlock()

	var found *Thread
	c := start
	for i := 0; c != nil && i < cycleLen; i++ {
		if aff, ok := c.Affinity(); ok && aff != cpuID {
			c = c.next
			continue
		}
		if c.PermitRunning() && c.cycleLock.TryLock() {
			if c.PermitRunning() {
				found = c
				break
			}
			c.cycleLock.Unlock()
		}
		c = c.next
	}

	if found != nil {
		if cpu.current != nil && cpu.current != cpu.idle && cpu.current != found {
			cpu.current.cycleLock.Unlock()
		}
		cpu.current = found
		cpu.cycleCursor = found
		return found
	}

	// No candidate in the cycle. Keep the old current if it is still
	// runnable (this CPU already holds its cycle lock, which is why the
	// scan above could not select it). Otherwise release that lock —
	// an external destroyer may be spinning on it — and go idle.
	if cpu.current != nil && cpu.current != cpu.idle {
		if cpu.current.PermitRunning() {
			return cpu.current
		}
		cpu.current.cycleLock.Unlock()
	}
	cpu.current = cpu.idle
	return cpu.idle
}

// Yield triggers the architectural context-switch path. Real hardware
// would take a software interrupt or a hlt-then-interrupt sequence;
// here it is simply a call to NextThread with abandonCurrent == false,
// letting another runnable thread take over if one exists.
func (s *Scheduler) Yield(cpuID int) *Thread {
	return s.NextThread(cpuID, false)
}

// Tick applies wake-after-deadline semantics across every known
// thread: any thread whose wake deadline has passed and which is not
// yet runnable becomes runnable. This must run before each selection
// pass so a sleeper with an expired deadline is eligible immediately.
func (s *Scheduler) Tick(nowNS uint64) {
	s.cycleMu.Lock()
	head := s.cycleHead
	n := s.cycleLen
	s.cycleMu.Unlock()

	t := head
	for i := 0; t != nil && i < n; i++ {
		deadline := t.WakeAfterNS()
		if deadline != 0 && deadline <= nowNS && !t.PermitRunning() {
			t.SetWakeAfterNS(0)
			t.SetPermitRunning(true)
		}
		t = t.next
	}
}

// Pin implements ksync.Hooks: it pins self to whichever CPU currently
// has it as current, keeping it there until the returned func runs.
// Wrapping the pin/unpin pair in a scoped guard makes a lost unset
// impossible.
func (s *Scheduler) Pin(self ksync.Schedulable) func() {
	for _, cpu := range s.cpus {
		cpu.mu.Lock()
		if cpu.current != nil && cpu.current.ThreadID() == self.ThreadID() {
			cpu.continueCurrent = true
			cpu.mu.Unlock()
			return func() {
				cpu.mu.Lock()
				cpu.continueCurrent = false
				cpu.mu.Unlock()
			}
		}
		cpu.mu.Unlock()
	}
	return func() {}
}

// SelfDestruct implements the self-destruction sequence: the thread
// adds itself to the dead-thread list (and the
// process to the dead-process stack if it was the process's last
// thread), then releases its cycle lock. The BSP's last thread cannot
// self-destruct.
func (s *Scheduler) SelfDestruct(t *Thread, exitCode int, failed bool) error {
	proc, ok := s.Process(t.processPID)
	if !ok {
		return kerr.New("sched.SelfDestruct", kerr.NotFound)
	}

	proc.mu.Lock()
	wasLast := len(proc.threads) == 1 && proc.threads[0] == t
	if wasLast && proc.pid == s.bspPID {
		proc.mu.Unlock()
		return kerr.New("sched.SelfDestruct", kerr.InvalidOp)
	}
	wasLast = proc.removeThreadLocked(t)
	if wasLast {
		proc.markExitedLocked(exitCode, failed)
	}
	proc.mu.Unlock()

	t.destroyed.Store(true)
	t.SetPermitRunning(false)

	s.deadMu.Lock()
	s.deadThreads = append(s.deadThreads, t)
	if wasLast {
		s.deadProcesses = append(s.deadProcesses, proc)
	}
	s.deadMu.Unlock()

	t.cycleLock.Unlock()
	if wasLast {
		proc.ExitWait.TriggerAllThreads()
	}
	t.exitWait.TriggerAllThreads()
	return nil
}

// ExternalDestroy implements destruction of t from outside its own
// execution context: stop it, wait for whichever CPU is running it to
// release the cycle lock, remove it from the cycle, and signal its
// exit WaitObject.
func (s *Scheduler) ExternalDestroy(t *Thread, exitCode int, failed bool) error {
	proc, ok := s.Process(t.processPID)
	if !ok {
		return kerr.New("sched.ExternalDestroy", kerr.NotFound)
	}

	proc.mu.Lock()
	wasLastCheck := len(proc.threads) == 1 && proc.threads[0] == t
	if wasLastCheck && proc.pid == s.bspPID {
		proc.mu.Unlock()
		return kerr.New("sched.ExternalDestroy", kerr.InvalidOp)
	}
	proc.mu.Unlock()

	t.SetPermitRunning(false)
	t.cycleLock.Lock() // spins until the running CPU releases it
	t.cycleLock.Unlock()

	s.cycleMu.Lock()
	s.removeFromCycleLocked(t)
	s.cycleMu.Unlock()
	s.forgetThread(t)

	proc.mu.Lock()
	wasLast := proc.removeThreadLocked(t)
	if wasLast {
		proc.markExitedLocked(exitCode, failed)
	}
	proc.mu.Unlock()

	t.destroyed.Store(true)
	t.exitWait.TriggerAllThreads()
	if wasLast {
		proc.ExitWait.TriggerAllThreads()
	}
	return nil
}

// TidyUpOnce drains the dead-thread list and dead-process stack,
// performing the final resource release that could not happen inside
// the dying thread's own context. It
// is meant to be called periodically by a dedicated worker thread
// (see RunTidyUpWorker).
func (s *Scheduler) TidyUpOnce() {
	s.deadMu.Lock()
	threads := s.deadThreads
	procs := s.deadProcesses
	s.deadThreads = nil
	s.deadProcesses = nil
	s.deadMu.Unlock()

	if len(threads) == 0 && len(procs) == 0 {
		return
	}

	s.cycleMu.Lock()
	for _, t := range threads {
		if t.next != nil || t.prev != nil || s.cycleHead == t {
			s.removeFromCycleLocked(t)
		}
	}
	s.cycleMu.Unlock()
	for _, t := range threads {
		s.forgetThread(t)
	}

	for _, p := range procs {
		s.procMu.Lock()
		delete(s.processes, p.pid)
		s.procMu.Unlock()
		// Page tables and the vrange allocator pool are released by
		// the Go garbage collector once the last reference to p
		// drops; there is no explicit free path to call here.
	}

	s.log.Debug().Int("threads", len(threads)).Int("processes", len(procs)).Msg("tidy-up drained dead objects")
}

// RunTidyUpWorker creates the dedicated tidy-up worker thread, owned
// by proc. The boot package runs TidyUpOnce whenever a CPU selects
// this thread.
func (s *Scheduler) RunTidyUpWorker(proc *Process) (*Thread, error) {
	t, err := s.CreateThread(proc, true)
	if err != nil {
		return nil, err
	}
	t.SetPermitRunning(true)
	return t, nil
}
