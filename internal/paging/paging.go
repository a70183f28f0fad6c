// Package paging implements the 4-level (PML4/PDPT/PD/PT) page-table
// engine.
//
// Leaf mappings are always 2 MiB pages (the PD level); there is no
// 4 KiB leaf support. Physical memory backing
// both table pages and mapped data frames is modeled as a lazily
// populated map keyed by physical address, since there is no real MMU
// underneath this simulation.
package paging

import (
	"github.com/martin-hughes/azalea/internal/addr"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/martin-hughes/azalea/internal/physmem"
)

// table is one 512-entry page-table page.
type table [512]uint64

// EngineerWindowBase is the fixed kernel-half virtual range reserved
// for the engine to edit page-table pages that are not mapped in the
// active address space. The engine re-points the window's own PTE at
// whichever table page it needs next and invalidates the window's TLB
// entry, so only one table page is reachable through it at a time.
// This is why the engine is not re-entrant and holds one lock for the
// duration of every walk and edit.
const EngineerWindowBase addr.VAddr = 0xFFFF_8000_4000_0000

// EngineerWindowPages is the window's span, in 4 KiB pages.
const EngineerWindowPages = 1

// AddressSpace names one process's page-table root. The kernel half of
// every AddressSpace's PML4 is kept identical to every other's by the
// Engine.
type AddressSpace struct {
	pid  uint64
	root addr.PhysAddr
}

func (as *AddressSpace) PID() uint64 { return as.pid }

// Root returns the physical address of the PML4 page: the value a CPU
// running this process would load into CR3.
func (as *AddressSpace) Root() addr.PhysAddr { return as.root }

// Engine is the page-table walker/editor shared by every process. All
// table walks and edits serialize behind a single lock: kernel-half
// PML4 propagation needs one anyway, and extending it to ordinary
// walks keeps the engineer window (the fixed virtual range the engine
// re-points at whichever foreign table page it is editing) owned by
// one walker at a time. The engine is therefore not re-entrant.
type Engine struct {
	phys *physmem.Allocator

	mu     ksync.Spinlock
	tables map[addr.PhysAddr]*table
	frames map[addr.PhysAddr]*[physmem.FrameSize]byte

	bumpFrame  addr.PhysAddr
	bumpOffset uint64

	kernelPML4 table
	spaces     []*AddressSpace

	windowTarget addr.PhysAddr
	windowRemaps uint64

	invalidations uint64
}

// New builds an engine that carves table pages and takes leaf frames
// from phys.
func New(phys *physmem.Allocator) *Engine {
	return &Engine{
		phys:   phys,
		tables: make(map[addr.PhysAddr]*table),
		frames: make(map[addr.PhysAddr]*[physmem.FrameSize]byte),
	}
}

// CreateAddressSpace allocates a fresh PML4 and seeds its kernel half
// from the engine's current canonical kernel mapping.
func (e *Engine) CreateAddressSpace(pid uint64) (*AddressSpace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rootAddr, err := e.carveTableLocked()
	if err != nil {
		return nil, kerr.Wrap("paging.CreateAddressSpace", kerr.OutOfResource, err)
	}
	root := e.tableLocked(rootAddr)
	for i := 256; i < 512; i++ {
		root[i] = e.kernelPML4[i]
	}

	as := &AddressSpace{pid: pid, root: rootAddr}
	e.spaces = append(e.spaces, as)
	return as, nil
}

func pml4Index(v addr.VAddr) int { return int((uint64(v) >> 39) & 0x1FF) }
func pdptIndex(v addr.VAddr) int { return int((uint64(v) >> 30) & 0x1FF) }
func pdIndex(v addr.VAddr) int   { return int((uint64(v) >> 21) & 0x1FF) }

// Map installs a 2 MiB leaf mapping from v to p in as, failing if v is
// already mapped. Intermediate PDPT/PD tables are created on demand.
// Kernel-half mappings (v.IsKernelHalf()) are propagated to every
// other live address space's PML4 after the edit.
func (e *Engine) Map(as *AddressSpace, v addr.VAddr, p addr.PhysAddr, cache CacheMode, writable bool) error {
	if !v.IsCanonical() {
		return kerr.New("paging.Map", kerr.InvalidParam)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kernelHalf := v.IsKernelHalf()
	pml4 := e.tableLocked(as.root)
	pdptAddr, err := e.ensureChildTableLocked(pml4, pml4Index(v), kernelHalf)
	if err != nil {
		return err
	}
	pdpt := e.tableLocked(pdptAddr)
	pdAddr, err := e.ensureChildTableLocked(pdpt, pdptIndex(v), kernelHalf)
	if err != nil {
		return err
	}
	pd := e.tableLocked(pdAddr)

	idx := pdIndex(v)
	if decodePTE(pd[idx]).present {
		return kerr.New("paging.Map", kerr.AlreadyExists)
	}
	pd[idx] = encodePTE(pte{
		present:   true,
		writable:  writable,
		userMode:  !kernelHalf,
		endOfTree: true,
		cacheType: cache,
		target:    p,
	})

	if kernelHalf {
		e.propagateKernelPML4Locked(as, pml4Index(v), pml4[pml4Index(v)])
	}
	return nil
}

// Unmap removes the leaf mapping at v, if present, and counts a TLB
// invalidation (there is no real TLB to flush in this simulation;
// TLBInvalidations lets tests observe that an unmap occurred).
func (e *Engine) Unmap(as *AddressSpace, v addr.VAddr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pd, idx, ok := e.walkToPDLocked(as, v)
	if !ok || !decodePTE(pd[idx]).present {
		return kerr.New("paging.Unmap", kerr.NotFound)
	}
	pd[idx] = 0
	e.invalidations++

	if v.IsKernelHalf() {
		e.propagateKernelPML4Locked(as, pml4Index(v), e.tableLocked(as.root)[pml4Index(v)])
	}
	return nil
}

// PhysOf resolves v to its mapped physical address, if any.
func (e *Engine) PhysOf(as *AddressSpace, v addr.VAddr) (addr.PhysAddr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pd, idx, ok := e.walkToPDLocked(as, v)
	if !ok {
		return 0, false
	}
	entry := decodePTE(pd[idx])
	if !entry.present {
		return 0, false
	}
	return entry.target + addr.PhysAddr(uint64(v)&(physmem.FrameSize-1)), true
}

// CacheModeOf reports the cache mode of the leaf mapping at v, if any.
func (e *Engine) CacheModeOf(as *AddressSpace, v addr.VAddr) (CacheMode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pd, idx, ok := e.walkToPDLocked(as, v)
	if !ok {
		return 0, false
	}
	entry := decodePTE(pd[idx])
	if !entry.present {
		return 0, false
	}
	return entry.cacheType, true
}

// ReadByte and WriteByte simulate CPU memory access through the
// mapping: a real kernel would dereference the virtual address
// directly and let the MMU fault on an absent mapping. Here that fault
// is modeled as kerr.InvalidOp.
func (e *Engine) ReadByte(as *AddressSpace, v addr.VAddr) (byte, error) {
	p, ok := e.PhysOf(as, v)
	if !ok {
		return 0, kerr.New("paging.ReadByte", kerr.InvalidOp)
	}
	frameBase := p &^ (physmem.FrameSize - 1)
	buf := e.dataFrame(frameBase)
	return buf[uint64(v)&(physmem.FrameSize-1)], nil
}

func (e *Engine) WriteByte(as *AddressSpace, v addr.VAddr, b byte) error {
	p, ok := e.PhysOf(as, v)
	if !ok {
		return kerr.New("paging.WriteByte", kerr.InvalidOp)
	}
	frameBase := p &^ (physmem.FrameSize - 1)
	buf := e.dataFrame(frameBase)
	buf[uint64(v)&(physmem.FrameSize-1)] = b
	return nil
}

// EngineerWindowRemaps reports how many times the engineer window has
// been re-pointed at a different table page.
func (e *Engine) EngineerWindowRemaps() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windowRemaps
}

// TLBInvalidations reports how many TLB invalidations have been
// issued, counting both unmaps and engineer-window re-points.
func (e *Engine) TLBInvalidations() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidations
}

func (e *Engine) dataFrame(base addr.PhysAddr) *[physmem.FrameSize]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.frames[base]
	if !ok {
		buf = &[physmem.FrameSize]byte{}
		e.frames[base] = buf
	}
	return buf
}

func (e *Engine) walkToPDLocked(as *AddressSpace, v addr.VAddr) (*table, int, bool) {
	pml4 := e.tableLocked(as.root)
	pdptEntry := decodePTE(pml4[pml4Index(v)])
	if !pdptEntry.present {
		return nil, 0, false
	}
	pdpt := e.tableLocked(pdptEntry.target)
	pdEntry := decodePTE(pdpt[pdptIndex(v)])
	if !pdEntry.present {
		return nil, 0, false
	}
	pd := e.tableLocked(pdEntry.target)
	return pd, pdIndex(v), true
}

// tableLocked returns the table page at pa, re-pointing the engineer
// window at it first if some other table page is currently visible
// there. Each re-point costs a TLB invalidation for the window.
func (e *Engine) tableLocked(pa addr.PhysAddr) *table {
	if e.windowTarget != pa {
		e.windowTarget = pa
		e.windowRemaps++
		e.invalidations++
	}
	return e.tables[pa]
}

func (e *Engine) ensureChildTableLocked(parent *table, idx int, kernelHalf bool) (addr.PhysAddr, error) {
	existing := decodePTE(parent[idx])
	if existing.present {
		return existing.target, nil
	}
	childAddr, err := e.carveTableLocked()
	if err != nil {
		return 0, kerr.Wrap("paging.ensureChildTable", kerr.OutOfResource, err)
	}
	parent[idx] = encodePTE(pte{
		present:   true,
		writable:  true,
		userMode:  !kernelHalf,
		endOfTree: false,
		cacheType: WriteBack,
		target:    childAddr,
	})
	return childAddr, nil
}

// carveTableLocked hands out 4 KiB table pages bump-allocated from
// 2 MiB frames taken from phys.
func (e *Engine) carveTableLocked() (addr.PhysAddr, error) {
	if e.bumpOffset >= physmem.FrameSize {
		e.bumpFrame = 0
	}
	if e.bumpFrame == 0 {
		f, err := e.phys.Allocate(1)
		if err != nil {
			return 0, err
		}
		e.bumpFrame = f
		e.bumpOffset = 0
	}
	tableAddr := e.bumpFrame + addr.PhysAddr(e.bumpOffset)
	e.bumpOffset += 4096
	e.tables[tableAddr] = &table{}
	return tableAddr, nil
}

// propagateKernelPML4Locked copies one PML4 slot into every other
// known address space's PML4, plus the engine's own canonical
// snapshot used to seed future address spaces. kernel-half
// mappings must be visible to every process immediately.
func (e *Engine) propagateKernelPML4Locked(origin *AddressSpace, idx int, entry uint64) {
	e.kernelPML4[idx] = entry
	for _, other := range e.spaces {
		if other == origin {
			continue
		}
		e.tableLocked(other.root)[idx] = entry
	}
}
