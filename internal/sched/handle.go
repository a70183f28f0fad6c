package sched

import (
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
)

// Handle names one entry in a process's handle table. Handles are
// per-process: the same object held by two processes has two unrelated
// handle values.
type Handle uint64

// handleTable maps handles to kernel objects for one process. Each
// process has its own table, synchronized by a spinlock.
type handleTable struct {
	lock    ksync.Spinlock
	next    Handle
	objects map[Handle]any
}

func newHandleTable() *handleTable {
	return &handleTable{objects: make(map[Handle]any)}
}

// AllocateHandle stores obj in p's handle table and returns the new
// handle. Handles count up from 1; 0 is never a valid handle.
func (p *Process) AllocateHandle(obj any) (Handle, error) {
	if obj == nil {
		return 0, kerr.New("sched.AllocateHandle", kerr.InvalidParam)
	}
	p.handles.lock.Lock()
	defer p.handles.lock.Unlock()
	p.handles.next++
	h := p.handles.next
	p.handles.objects[h] = obj
	return h, nil
}

// HandleObject resolves h to the object it names.
func (p *Process) HandleObject(h Handle) (any, error) {
	p.handles.lock.Lock()
	defer p.handles.lock.Unlock()
	obj, ok := p.handles.objects[h]
	if !ok {
		return nil, kerr.New("sched.HandleObject", kerr.NotFound)
	}
	return obj, nil
}

// CloseHandle removes h from p's handle table. The underlying object
// lives on as long as any other reference to it does.
func (p *Process) CloseHandle(h Handle) error {
	p.handles.lock.Lock()
	defer p.handles.lock.Unlock()
	if _, ok := p.handles.objects[h]; !ok {
		return kerr.New("sched.CloseHandle", kerr.NotFound)
	}
	delete(p.handles.objects, h)
	return nil
}

// DuplicateHandleTo shares the object behind h with another process,
// returning the handle it gets in dst's table. This is how two
// processes come to hold the same underlying semaphore or pipe.
func (p *Process) DuplicateHandleTo(h Handle, dst *Process) (Handle, error) {
	obj, err := p.HandleObject(h)
	if err != nil {
		return 0, err
	}
	return dst.AllocateHandle(obj)
}

// HandleCount reports the number of live handles (diagnostic only).
func (p *Process) HandleCount() int {
	p.handles.lock.Lock()
	defer p.handles.lock.Unlock()
	return len(p.handles.objects)
}
