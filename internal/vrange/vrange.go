// Package vrange implements the per-process buddy allocator over
// virtual address ranges. One Allocator instance exists per process's
// user half, plus one shared instance for the kernel half.
package vrange

import (
	"sync/atomic"

	"github.com/martin-hughes/azalea/internal/addr"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
)

// PageSize is the unit "pages" are counted in: the x86-64 base page
// size of 4 KiB.
const PageSize = 4096

// VAddr is a virtual address. It is an alias of addr.VAddr so every
// memory-management package agrees on one representation.
type VAddr = addr.VAddr

// record is one entry in the ordered, doubly linked list of virtual
// ranges. Adjacent buddy records merge on free.
type record struct {
	start     VAddr
	pages     uint64
	allocated bool
	prev, next *record

	fromPool  bool
	poolIndex int
}

// RecordInfo is a read-only snapshot of one record, for tests and
// diagnostics.
type RecordInfo struct {
	Start     VAddr
	Pages     uint64
	Allocated bool
}

// bootstrapPoolSize is how many records the fixed pre-allocated pool
// holds before the allocator falls back to ordinary Go allocation; on
// real hardware this pool is what bootstraps the allocator before any
// heap exists.
const bootstrapPoolSize = 64

type recordPool struct {
	slots []record
	free  []int
}

func newRecordPool(n int) *recordPool {
	p := &recordPool{slots: make([]record, n), free: make([]int, n)}
	for i := 0; i < n; i++ {
		p.free[i] = i
	}
	return p
}

func (p *recordPool) alloc() (*record, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	r := &p.slots[idx]
	*r = record{fromPool: true, poolIndex: idx}
	return r, true
}

func (p *recordPool) release(r *record) {
	p.free = append(p.free, r.poolIndex)
}

// reentrantLock is a spinlock keyed by a caller-supplied thread ID,
// re-enterable by whichever thread already holds it. Reentrancy is
// required because allocation may call into the page-table engine,
// which may allocate table pages, which recursively calls the
// allocator. Threads are identified by ID here rather than a raw
// pointer, matching internal/sched.Thread.ThreadID.
type reentrantLock struct {
	sl    ksync.Spinlock
	owner atomic.Uint64 // 0 == unheld; thread IDs are allocated starting at 1
	depth int
}

func (r *reentrantLock) Lock(threadID uint64) {
	if threadID != 0 && r.owner.Load() == threadID {
		r.depth++
		return
	}
	r.sl.Lock()
	r.owner.Store(threadID)
	r.depth = 1
}

func (r *reentrantLock) Unlock(threadID uint64) {
	if r.owner.Load() != threadID {
		return
	}
	r.depth--
	if r.depth == 0 {
		r.owner.Store(0)
		r.sl.Unlock()
	}
}

// Allocator is a buddy allocator over a contiguous virtual half
// [base, base+pages*PageSize).
type Allocator struct {
	base  VAddr
	total uint64 // total pages covered

	lock reentrantLock
	head *record
	pool *recordPool
}

// New seeds an allocator covering the given half with one record marking
// the entire range free. pages must be a power of two.
func New(base VAddr, pages uint64) *Allocator {
	a := &Allocator{base: base, total: pages, pool: newRecordPool(bootstrapPoolSize)}
	a.head = &record{start: base, pages: pages}
	return a
}

func isPow2(n uint64) bool { return n > 0 && n&(n-1) == 0 }

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func sizeBytes(pages uint64) uint64 { return pages * PageSize }

// Allocate rounds pages up to the next power of two, finds the smallest
// free record that fits, splitting larger records as needed, and
// returns the start address of the resulting allocation.
func (a *Allocator) Allocate(threadID uint64, pages uint64) (VAddr, error) {
	if pages == 0 {
		return 0, kerr.New("vrange.Allocate", kerr.InvalidParam)
	}
	rounded := nextPow2(pages)

	a.lock.Lock(threadID)
	defer a.lock.Unlock(threadID)

	rec := a.smallestFreeFitLocked(rounded)
	if rec == nil {
		return 0, kerr.New("vrange.Allocate", kerr.OutOfResource)
	}
	for rec.pages > rounded {
		a.splitLocked(rec)
	}
	rec.allocated = true
	return rec.start, nil
}

// AllocateSpecific reserves an exact, buddy-aligned range, used during
// bootstrap to carve out known ranges (the kernel image, the engineer
// window) before the general allocator takes over. start must hit an
// exact buddy: aligned to pages*PageSize within the half.
func (a *Allocator) AllocateSpecific(threadID uint64, start VAddr, pages uint64) error {
	if !isPow2(pages) {
		return kerr.New("vrange.AllocateSpecific", kerr.InvalidParam)
	}
	if uint64(start-a.base)%sizeBytes(pages) != 0 {
		return kerr.New("vrange.AllocateSpecific", kerr.InvalidParam)
	}

	a.lock.Lock(threadID)
	defer a.lock.Unlock(threadID)

	rec := a.findCoveringLocked(start)
	if rec == nil || rec.allocated {
		return kerr.New("vrange.AllocateSpecific", kerr.AlreadyExists)
	}
	for rec.pages > pages {
		a.splitLocked(rec)
		if VAddr(start) >= rec.next.start {
			rec = rec.next
		}
	}
	if rec.start != start || rec.pages != pages {
		return kerr.New("vrange.AllocateSpecific", kerr.InvalidParam)
	}
	rec.allocated = true
	return nil
}

// Free releases an allocation and coalesces it with its buddy, and that
// buddy's buddy, and so on, as far as possible.
func (a *Allocator) Free(threadID uint64, start VAddr, pages uint64) error {
	a.lock.Lock(threadID)
	defer a.lock.Unlock(threadID)

	rec := a.findByStartLocked(start)
	if rec == nil || !rec.allocated || rec.pages != nextPow2(pages) {
		return kerr.New("vrange.Free", kerr.NotFound)
	}
	rec.allocated = false
	a.coalesceLocked(rec)
	return nil
}

// Snapshot returns the ordered record list, for tests that check
// alignment and full coalescence.
func (a *Allocator) Snapshot() []RecordInfo {
	a.lock.Lock(0)
	defer a.lock.Unlock(0)
	var out []RecordInfo
	for r := a.head; r != nil; r = r.next {
		out = append(out, RecordInfo{Start: r.start, Pages: r.pages, Allocated: r.allocated})
	}
	return out
}

func (a *Allocator) smallestFreeFitLocked(pages uint64) *record {
	var best *record
	for r := a.head; r != nil; r = r.next {
		if r.allocated || r.pages < pages {
			continue
		}
		if best == nil || r.pages < best.pages {
			best = r
		}
	}
	return best
}

func (a *Allocator) findByStartLocked(start VAddr) *record {
	for r := a.head; r != nil; r = r.next {
		if r.start == start {
			return r
		}
	}
	return nil
}

func (a *Allocator) findCoveringLocked(addr VAddr) *record {
	for r := a.head; r != nil; r = r.next {
		if addr >= r.start && addr < r.start+VAddr(sizeBytes(r.pages)) {
			return r
		}
	}
	return nil
}

// splitLocked halves rec in place (rec keeps the lower half) and inserts
// a new free record for the upper half directly after it.
func (a *Allocator) splitLocked(rec *record) {
	half := rec.pages / 2
	upper := a.newRecordLocked()
	upper.start = rec.start + VAddr(sizeBytes(half))
	upper.pages = half
	upper.allocated = false

	upper.next = rec.next
	upper.prev = rec
	if rec.next != nil {
		rec.next.prev = upper
	}
	rec.next = upper
	rec.pages = half
}

// coalesceLocked merges rec with its buddy, repeatedly, while both are
// free and the buddy relationship holds: the buddy address is rec.start
// XOR size_bytes(rec.pages).
func (a *Allocator) coalesceLocked(rec *record) {
	for {
		if rec.pages >= a.total {
			return
		}
		buddyAddr := VAddr(uint64(rec.start) ^ sizeBytes(rec.pages))
		var buddy *record
		if rec.next != nil && rec.next.start == buddyAddr {
			buddy = rec.next
		} else if rec.prev != nil && rec.prev.start == buddyAddr {
			buddy = rec.prev
		}
		if buddy == nil || buddy.allocated || buddy.pages != rec.pages {
			return
		}

		// Keep the lower-addressed record as the survivor.
		surv, dead := rec, buddy
		if buddy.start < rec.start {
			surv, dead = buddy, rec
		}
		surv.pages *= 2
		surv.next = dead.next
		if dead.next != nil {
			dead.next.prev = surv
		}
		a.freeRecordLocked(dead)
		rec = surv
	}
}

func (a *Allocator) newRecordLocked() *record {
	if r, ok := a.pool.alloc(); ok {
		return r
	}
	return &record{}
}

// freeRecordLocked returns rec to the bootstrap pool if it came from
// there; records from the general (GC'd) allocator are simply dropped
// rather than handed to the pool.
func (a *Allocator) freeRecordLocked(rec *record) {
	if rec.fromPool {
		a.pool.release(rec)
	}
}
