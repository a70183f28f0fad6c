package boot_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martin-hughes/azalea/internal/boot"
	"github.com/martin-hughes/azalea/internal/device"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/klog"
	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/martin-hughes/azalea/internal/paging"
	"github.com/martin-hughes/azalea/internal/physmem"
	"github.com/martin-hughes/azalea/internal/sched"
	"github.com/martin-hughes/azalea/internal/systree"
	"github.com/martin-hughes/azalea/internal/vrange"
	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T, numCPUs int) *boot.Kernel {
	t.Helper()
	const frames = 4096
	k, err := boot.Init(boot.Config{
		MaxFrames: frames,
		NumCPUs:   numCPUs,
		MemoryMap: []physmem.MemRegion{
			{Start: 0, Length: frames * physmem.FrameSize, Type: physmem.RegionUsable},
		},
		TickInterval: time.Millisecond,
		Logger:       klog.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(k.Shutdown)
	return k
}

// TestProcessExitSignalsWaitAndUnregisters checks that
// a process's last thread exiting stops it and unregisters it from the
// System-Tree, waking anyone waiting on its exit.
func TestProcessExitSignalsWaitAndUnregisters(t *testing.T) {
	k := newTestKernel(t, 1)
	proc, err := k.CreateProcess(false)
	require.NoError(t, err)
	th, err := k.Sched.CreateThread(proc, false)
	require.NoError(t, err)
	require.NoError(t, proc.Start())

	waitDone := make(chan ksync.Outcome, 1)
	go func() { waitDone <- proc.ExitWait.Wait(th, ksync.Forever) }()
	require.Eventually(t, func() bool { return proc.ExitWait.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, k.ExitThread(th, 0))

	require.Equal(t, ksync.Signaled, <-waitDone)
	require.Equal(t, sched.StatusStopped, proc.Status())
	require.True(t, proc.BeingDestroyed())

	_, err = k.Tree.GetChild(fmt.Sprintf(`\proc\%d`, proc.PID()))
	require.Equal(t, kerr.NotFound, kerr.CodeOf(err))
}

// TestMessageSendAndDequeue checks that a 30-byte
// message sent between two processes dequeues with matching bytes, an
// ID of 1, then fails with SyncMsgQueueEmpty on the next attempt.
func TestMessageSendAndDequeue(t *testing.T) {
	k := newTestKernel(t, 1)
	p1, err := k.CreateProcess(false)
	require.NoError(t, err)
	p2, err := k.CreateProcess(false)
	require.NoError(t, err)
	p2.SetAcceptsMessages(true)

	payload := make([]byte, 30)
	copy(payload, "Hello message")

	require.NoError(t, sched.SendMessage(p1, p2, payload))

	msg, err := p2.DequeueMessage()
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg.ID)
	require.Equal(t, p1.PID(), msg.From)
	require.Equal(t, payload, msg.Data)
	require.Len(t, msg.Data, 30)

	_, err = p2.DequeueMessage()
	require.Equal(t, kerr.SyncMsgQueueEmpty, kerr.CodeOf(err))
}

// TestMapWriteReadUnmapFaults walks the full mapping path: allocating
// a 2 MiB virtual range, writing and reading a byte through it, then
// observing a fault (kerr.InvalidOp) after unmapping.
func TestMapWriteReadUnmapFaults(t *testing.T) {
	k := newTestKernel(t, 1)
	proc, err := k.CreateProcess(false)
	require.NoError(t, err)

	pages := uint64(physmem.FrameSize / vrange.PageSize)
	v, err := proc.VAS.Allocate(1, pages)
	require.NoError(t, err)

	frame, err := k.Phys.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, k.Paging.Map(proc.AddressSpace, v, frame, paging.WriteBack, true))

	target := v + 0x1234
	require.NoError(t, k.Paging.WriteByte(proc.AddressSpace, target, 0xA5))
	b, err := k.Paging.ReadByte(proc.AddressSpace, target)
	require.NoError(t, err)
	require.Equal(t, byte(0xA5), b)

	require.NoError(t, k.Paging.Unmap(proc.AddressSpace, v))
	_, err = k.Paging.ReadByte(proc.AddressSpace, target)
	require.Equal(t, kerr.InvalidOp, kerr.CodeOf(err))
}

// TestWaitThenTriggerNextThreadResumes checks that a
// thread parked in WaitObject.Wait(MAX) resumes once another thread
// calls TriggerNextThread.
func TestWaitThenTriggerNextThreadResumes(t *testing.T) {
	k := newTestKernel(t, 1)
	proc, err := k.CreateProcess(false)
	require.NoError(t, err)
	th, err := k.Sched.CreateThread(proc, false)
	require.NoError(t, err)

	w := ksync.NewWaitObject(k.Sched)
	done := make(chan ksync.Outcome, 1)
	go func() { done <- w.Wait(th, ksync.Forever) }()
	require.Eventually(t, func() bool { return w.Len() == 1 }, time.Second, time.Millisecond)

	require.True(t, w.TriggerNextThread())

	select {
	case outcome := <-done:
		require.Equal(t, ksync.Signaled, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("thread did not resume after TriggerNextThread")
	}
}

type e2eReceiver struct {
	fastCalls atomic.Int32
	slowCalls atomic.Int32
	trueOnce  atomic.Bool
}

func (r *e2eReceiver) HandleInterruptFast(vector int) bool {
	r.fastCalls.Add(1)
	return r.trueOnce.CompareAndSwap(true, false)
}

func (r *e2eReceiver) HandleInterruptSlow(vector int) { r.slowCalls.Add(1) }

func newE2EReceiver(trueOnce bool) *e2eReceiver {
	r := &e2eReceiver{}
	r.trueOnce.Store(trueOnce)
	return r
}

// TestDispatchFastTwiceTriggersSlowOnce checks that a
// receiver dispatched twice runs its fast handler twice, and when it
// asks for the slow path once, the slow-path worker invokes it exactly
// once.
func TestDispatchFastTwiceTriggersSlowOnce(t *testing.T) {
	k := newTestKernel(t, 1)
	r := newE2EReceiver(true)
	require.NoError(t, k.IRQ.Register(64, r))

	k.IRQ.DispatchFast(64)
	k.IRQ.DispatchFast(64)
	require.Equal(t, int32(2), r.fastCalls.Load())

	k.IRQ.RunSlowPathOnce()
	require.Equal(t, int32(1), r.slowCalls.Load())
	k.IRQ.RunSlowPathOnce()
	require.Equal(t, int32(1), r.slowCalls.Load())
}

// TestSharedSemaphoreHandleAcrossProcesses checks handle sharing:
// two processes holding the same handle to a binary semaphore, where
// exactly one proceeds and the other blocks until signaled.
func TestSharedSemaphoreHandleAcrossProcesses(t *testing.T) {
	k := newTestKernel(t, 1)
	p1, err := k.CreateProcess(false)
	require.NoError(t, err)
	p2, err := k.CreateProcess(false)
	require.NoError(t, err)
	t1, err := k.Sched.CreateThread(p1, false)
	require.NoError(t, err)
	t2, err := k.Sched.CreateThread(p2, false)
	require.NoError(t, err)

	// Both processes hold the same semaphore through their handle
	// tables, the way user code would share it.
	sem := ksync.NewSemaphore(k.Sched, 1, 1)
	h1, err := p1.AllocateHandle(sem)
	require.NoError(t, err)
	h2, err := p1.DuplicateHandleTo(h1, p2)
	require.NoError(t, err)

	obj1, err := p1.HandleObject(h1)
	require.NoError(t, err)
	obj2, err := p2.HandleObject(h2)
	require.NoError(t, err)
	require.Same(t, obj1, obj2)
	sem = obj1.(*ksync.Semaphore)

	require.Equal(t, ksync.Acquired, sem.Wait(t1, ksync.Forever))

	blocked := make(chan ksync.AcquireResult, 1)
	go func() { blocked <- sem.Wait(t2, ksync.Forever) }()

	select {
	case <-blocked:
		t.Fatal("second waiter proceeded while semaphore was held")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Clear(t1)
	require.Equal(t, ksync.Acquired, <-blocked)
}

// TestStdioHandlesInheritedFromKernelProcess: stdio leaves published
// under the kernel process's \proc entry reappear, as the same
// objects, under every process created afterwards.
func TestStdioHandlesInheritedFromKernelProcess(t *testing.T) {
	k := newTestKernel(t, 1)

	stdout := systree.NewLeaf("console-writer")
	parentPath := fmt.Sprintf(`\proc\%d\stdout`, k.KernelProcess.PID())
	require.NoError(t, k.Tree.AddChild(parentPath, stdout))

	child, err := k.CreateProcess(false)
	require.NoError(t, err)

	got, err := k.Tree.GetChild(fmt.Sprintf(`\proc\%d\stdout`, child.PID()))
	require.NoError(t, err)
	require.Same(t, stdout, got)

	// No stderr was published, so none is inherited.
	_, err = k.Tree.GetChild(fmt.Sprintf(`\proc\%d\stderr`, child.PID()))
	require.Equal(t, kerr.NotFound, kerr.CodeOf(err))
}

type fakeDevice struct {
	name   string
	status device.Status
	msgs   []any
}

func (d *fakeDevice) DeviceName() string          { return d.name }
func (d *fakeDevice) DeviceStatus() device.Status { return d.status }
func (d *fakeDevice) HandleMessage(msg any) error { d.msgs = append(d.msgs, msg); return nil }

func TestRegisterDevicePublishesTreeNode(t *testing.T) {
	k := newTestKernel(t, 1)
	d := &fakeDevice{name: "kbd", status: device.StatusOK}
	require.NoError(t, k.RegisterDevice(d))

	obj, err := k.Tree.GetChild(`\dev\kbd`)
	require.NoError(t, err)
	require.Same(t, d, obj.Value.(device.Device))

	require.NoError(t, k.UnregisterDevice(d))
	_, err = k.Tree.GetChild(`\dev\kbd`)
	require.Equal(t, kerr.NotFound, kerr.CodeOf(err))
}

func TestWallClockProducesPlausibleTime(t *testing.T) {
	var kt boot.KTime
	require.True(t, boot.WallClock{}.GetCurrentTime(&kt))
	require.GreaterOrEqual(t, kt.Year, int16(2026))
	require.GreaterOrEqual(t, kt.Month, uint8(1))
	require.LessOrEqual(t, kt.Month, uint8(12))
	require.False(t, boot.WallClock{}.GetCurrentTime(nil))
}

// TestWorkerThreadsDrainSlowPath: once the kernel's CPUs run, the
// dedicated slow-path worker services a handler that requested
// follow-up, with no manual RunSlowPathOnce call.
func TestWorkerThreadsDrainSlowPath(t *testing.T) {
	k := newTestKernel(t, 1)
	require.NoError(t, k.Start(context.Background()))

	r := newE2EReceiver(true)
	require.NoError(t, k.IRQ.Register(64, r))
	k.IRQ.DispatchFast(64)

	require.Eventually(t, func() bool { return r.slowCalls.Load() == 1 }, 2*time.Second, time.Millisecond)
}

// TestBootstrapRangesReserved: the kernel image range and the engineer
// window are already taken in the kernel-half allocator, so a fresh
// allocation can land on neither.
func TestBootstrapRangesReserved(t *testing.T) {
	k := newTestKernel(t, 1)
	err := k.KernelVAS.AllocateSpecific(0, paging.EngineerWindowBase, paging.EngineerWindowPages)
	require.Error(t, err)
}

// TestThreadExecContextCarriesCR3: a thread's saved context points at
// its process's page-table root.
func TestThreadExecContextCarriesCR3(t *testing.T) {
	k := newTestKernel(t, 1)
	proc, err := k.CreateProcess(false)
	require.NoError(t, err)
	th, err := k.Sched.CreateThread(proc, false)
	require.NoError(t, err)
	require.Equal(t, proc.AddressSpace.Root(), th.ExecContext().CR3)
}
