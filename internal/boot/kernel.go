// Package boot sequences every subsystem into one running kernel
// instance and drives its per-CPU execution loop.
package boot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martin-hughes/azalea/internal/device"
	"github.com/martin-hughes/azalea/internal/irq"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/mp"
	"github.com/martin-hughes/azalea/internal/paging"
	"github.com/martin-hughes/azalea/internal/physmem"
	"github.com/martin-hughes/azalea/internal/sched"
	"github.com/martin-hughes/azalea/internal/systree"
	"github.com/martin-hughes/azalea/internal/vrange"
	"github.com/rs/zerolog"
)

// timerVector is the fast-path vector the periodic timer dispatches
// on. It falls inside the reserved IRQ window, which is
// exactly where a real HPET/LAPIC timer line would sit.
const timerVector = 32

// kernelHalfBase is the start of the shared kernel virtual-address
// half: the lowest canonical address with bit 63 set.
const kernelHalfBase vrange.VAddr = 0xFFFF_8000_0000_0000

// halfPages is the page count each half's buddy allocator covers.
// Must be a power of two.
const halfPages = 1 << 20

// kernelImagePages is the span reserved at the bottom of the kernel
// half for the kernel image itself: one 2 MiB leaf's worth of pages.
const kernelImagePages = 512

// cpuHandler implements mp.Handler for one logical CPU. Resume/Suspend
// gate whether RunCPU's loop keeps fetching threads; TLBShootdown and
// ReloadIDT have no hardware counterpart here, so they just count
// deliveries for tests to observe.
type cpuHandler struct {
	halted     atomic.Bool
	shootdowns atomic.Uint64
	idtReloads atomic.Uint64
}

func (h *cpuHandler) Resume()       { h.halted.Store(false) }
func (h *cpuHandler) Suspend()      { h.halted.Store(true) }
func (h *cpuHandler) TLBShootdown() { h.shootdowns.Add(1) }
func (h *cpuHandler) ReloadIDT()    { h.idtReloads.Add(1) }

// Kernel bundles every subsystem one booted instance owns.
type Kernel struct {
	Phys      *physmem.Allocator
	Paging    *paging.Engine
	Sched     *sched.Scheduler
	IRQ       *irq.Table
	MP        *mp.Bus
	Tree      *systree.Tree
	Timer     *SimTimer
	KernelVAS *vrange.Allocator

	KernelProcess *sched.Process

	log zerolog.Logger

	cpuHandlers []*cpuHandler

	// workerBodies maps a kernel worker thread's ID to the work a CPU
	// performs whenever it selects that thread: the tidy-up drain and
	// the interrupt slow-path scan.
	workerBodies map[uint64]func()

	createMu sync.Mutex

	stopCh       chan struct{}
	haltCh       chan struct{}
	haltOnce     sync.Once
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Init brings up one kernel instance per cfg: the physical allocator,
// paging engine, scheduler, interrupt table, IPI bus, System-Tree, and
// the PID-0 kernel process, then starts the periodic timer interrupt
// driving the scheduler's tick.
func Init(cfg Config) (*Kernel, error) {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Millisecond
	}

	phys := physmem.New(cfg.MaxFrames)
	phys.LoadMemoryMap(cfg.MemoryMap)

	handlers := make([]*cpuHandler, cfg.NumCPUs)
	mpHandlers := make([]mp.Handler, cfg.NumCPUs)
	for i := range handlers {
		handlers[i] = &cpuHandler{}
		mpHandlers[i] = handlers[i]
	}

	k := &Kernel{
		Phys:        phys,
		Paging:      paging.New(phys),
		Sched:       sched.New(cfg.NumCPUs, cfg.Logger),
		IRQ:         irq.NewTable(cfg.Logger),
		MP:          mp.NewBus(mpHandlers),
		Tree:        systree.New(),
		Timer:       NewSimTimer(cfg.TickInterval),
		KernelVAS:   vrange.New(kernelHalfBase, halfPages),
		log:         cfg.Logger,
		cpuHandlers: handlers,
		stopCh:      make(chan struct{}),
		haltCh:      make(chan struct{}),
	}

	// An unrecoverable invariant violation halts every CPU. kerr.Panic
	// calls this seam before it unwinds the panicking goroutine;
	// RunCPU's own recover also closes haltCh so CPUs that never call
	// into kerr.Panic directly still notice.
	kerr.OnPanic = func(reason string) {
		k.haltOnce.Do(func() { close(k.haltCh) })
		k.log.Error().Str("reason", reason).Msg("kernel panic, halting all CPUs")
	}

	// Carve the fixed bootstrap ranges out of the kernel half before
	// anything else can claim them: the kernel image at the bottom,
	// then the engineer window.
	if err := k.KernelVAS.AllocateSpecific(0, kernelHalfBase, kernelImagePages); err != nil {
		return nil, err
	}
	if err := k.KernelVAS.AllocateSpecific(0, paging.EngineerWindowBase, paging.EngineerWindowPages); err != nil {
		return nil, err
	}

	kernelProc, err := k.CreateProcess(true)
	if err != nil {
		return nil, err
	}
	k.KernelProcess = kernelProc

	tidy, err := k.Sched.RunTidyUpWorker(kernelProc)
	if err != nil {
		return nil, err
	}
	slow, err := k.Sched.CreateThread(kernelProc, true)
	if err != nil {
		return nil, err
	}
	slow.SetPermitRunning(true)
	k.workerBodies = map[uint64]func(){
		tidy.ThreadID(): k.Sched.TidyUpOnce,
		slow.ThreadID(): k.IRQ.RunSlowPathOnce,
	}

	k.Timer.RegisterPeriodicInterrupt(k.IRQ, timerVector, func(nowNS uint64) {
		k.Sched.Tick(nowNS)
	})

	stats := phys.Stats()
	cfg.Logger.Info().
		Uint64("total_frames", stats.TotalFrames).
		Uint64("free_frames", stats.FreeFrames).
		Int("cpus", cfg.NumCPUs).
		Msg("kernel initialized")

	return k, nil
}

// CreateProcess allocates a fresh address space and user-half virtual
// range allocator, registers the resulting process with the scheduler,
// and publishes it under \proc\<pid> in the System-Tree.
func (k *Kernel) CreateProcess(kernelMode bool) (*sched.Process, error) {
	k.createMu.Lock()
	defer k.createMu.Unlock()

	pid := k.Sched.PeekNextPID()
	as, err := k.Paging.CreateAddressSpace(pid)
	if err != nil {
		return nil, kerr.Wrap("boot.CreateProcess", kerr.OutOfResource, err)
	}
	vas := vrange.New(0, halfPages)

	proc := k.Sched.CreateProcess(kernelMode, as, vas)
	if proc.PID() != pid {
		kerr.Panic("boot.CreateProcess: pid allocation raced between peek and create")
	}

	if err := k.registerProcessInTree(proc); err != nil {
		return nil, err
	}
	if parent := k.KernelProcess; parent != nil {
		k.inheritStdio(parent, proc)
	}
	return proc, nil
}

func (k *Kernel) registerProcessInTree(p *sched.Process) error {
	base := fmt.Sprintf(`\proc\%d`, p.PID())
	if _, err := k.Tree.CreateChild(base); err != nil {
		return err
	}
	// The id leaf reads back as the process's PID in decimal, like a
	// one-line memory file.
	return k.Tree.AddChild(base+`\id`, systree.NewLeaf(fmt.Sprintf("%d", p.PID())))
}

// inheritStdio shares the parent's stdin/stdout/stderr leaves, if it
// has any, with the child under the child's own \proc entry. The same
// underlying leaf object is inserted, not a copy, so both processes
// talk to the same stream.
func (k *Kernel) inheritStdio(parent, child *sched.Process) {
	for _, name := range []string{"stdin", "stdout", "stderr"} {
		obj, err := k.Tree.GetChild(fmt.Sprintf(`\proc\%d\%s`, parent.PID(), name))
		if err != nil || !obj.Leaf {
			continue
		}
		_ = k.Tree.AddChild(fmt.Sprintf(`\proc\%d\%s`, child.PID(), name), obj)
	}
}

// RegisterDevice publishes d under \dev\<name> so user code can find
// it by path. Drivers that take interrupts register with the interrupt
// table separately.
func (k *Kernel) RegisterDevice(d device.Device) error {
	if d == nil || d.DeviceName() == "" {
		return kerr.New("boot.RegisterDevice", kerr.InvalidParam)
	}
	return k.Tree.AddChild(`\dev\`+d.DeviceName(), systree.NewLeaf(d))
}

// UnregisterDevice removes d's System-Tree node.
func (k *Kernel) UnregisterDevice(d device.Device) error {
	return k.Tree.DeleteChild(`\dev\` + d.DeviceName())
}

func (k *Kernel) unregisterProcessFromTree(p *sched.Process) {
	_ = k.Tree.DeleteChild(fmt.Sprintf(`\proc\%d`, p.PID()))
}

// ExitThread destroys t from within its own execution context (see
// sched.Scheduler.SelfDestruct) and, if that was the process's last
// thread, removes the process's System-Tree entry.
func (k *Kernel) ExitThread(t *sched.Thread, exitCode int) error {
	proc, ok := k.Sched.Process(t.ProcessPID())
	if !ok {
		return kerr.New("boot.ExitThread", kerr.NotFound)
	}
	if err := k.Sched.SelfDestruct(t, exitCode, exitCode != 0); err != nil {
		return err
	}
	if proc.BeingDestroyed() {
		k.unregisterProcessFromTree(proc)
	}
	return nil
}

// Start boots the BSP's run loop directly, then brings up every
// remaining logical CPU through the IPI bus's AP bring-up sequence.
func (k *Kernel) Start(ctx context.Context) error {
	k.wg.Add(1)
	go k.RunCPU(0)
	k.MP.MarkRunning(0)

	if k.Sched.NumCPUs() <= 1 {
		return nil
	}
	return k.MP.BringUpAPs(ctx, func(cpu int) error {
		k.wg.Add(1)
		go k.RunCPU(cpu)
		k.MP.MarkRunning(cpu)
		return nil
	})
}

// RunCPU is one logical CPU's scheduling loop: repeatedly fetch and
// "run" the next thread until told to stop, either by Shutdown or by a
// kernel panic halting every CPU. A recovered panic on this goroutine
// still broadcasts the halt signal before re-panicking, so a bug on
// one simulated CPU can't leave the others spinning forever.
func (k *Kernel) RunCPU(cpuID int) {
	defer k.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			k.haltOnce.Do(func() { close(k.haltCh) })
			panic(r)
		}
	}()

	handler := k.cpuHandlers[cpuID]
	for {
		select {
		case <-k.stopCh:
			return
		case <-k.haltCh:
			return
		default:
		}
		if handler.halted.Load() {
			time.Sleep(time.Millisecond)
			continue
		}
		th := k.Sched.NextThread(cpuID, false)
		if body, ok := k.workerBodies[th.ThreadID()]; ok {
			body()
		}
		time.Sleep(time.Millisecond)
	}
}

// Shutdown stops the timer and every CPU's run loop and waits for them
// to exit. Idempotent.
func (k *Kernel) Shutdown() {
	k.shutdownOnce.Do(func() {
		k.Timer.Stop()
		close(k.stopCh)
		k.wg.Wait()
	})
}
