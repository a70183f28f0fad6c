// Package physmem implements the physical page allocator: a bitmap of
// 2 MiB frames, seeded from a BIOS-style e820 memory map, supporting
// single-frame allocate/free.
package physmem

import (
	"math/bits"

	"github.com/martin-hughes/azalea/internal/addr"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
)

// FrameSize is the fixed physical frame size: 2 MiB.
const FrameSize = 2 * 1024 * 1024

// PhysAddr is a physical address, always frame-aligned when naming a
// whole frame. It is an alias of addr.PhysAddr so every memory-management
// package agrees on one representation.
type PhysAddr = addr.PhysAddr

// MemRegionType mirrors the e820 "type" field. Only
// RegionUsable frames are ever marked free.
type MemRegionType uint32

const RegionUsable MemRegionType = 1

// MemRegion is one e820-style record: { start, length, type }.
type MemRegion struct {
	Start  uint64
	Length uint64
	Type   MemRegionType
}

// Stats reports the allocator's current frame accounting.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
}

// Allocator is the global physical frame bitmap. One instance exists
// per booted kernel; it is safe for concurrent use from any CPU.
type Allocator struct {
	lock   ksync.Spinlock
	bitmap []uint64 // bit i set => frame i is free
	frames uint64
}

// New builds an allocator covering maxFrames frames, all initially
// marked allocated (frames only become free once LoadMemoryMap runs).
func New(maxFrames uint64) *Allocator {
	words := (maxFrames + 63) / 64
	return &Allocator{bitmap: make([]uint64, words), frames: maxFrames}
}

// LoadMemoryMap seeds the free bitmap from a BIOS-style e820 map: frames
// wholly contained within a RegionUsable region become free. The zero
// frame is always left marked allocated, regardless of the map.
func (a *Allocator) LoadMemoryMap(regions []MemRegion) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, r := range regions {
		if r.Type != RegionUsable {
			continue
		}
		first := (r.Start + FrameSize - 1) / FrameSize
		last := (r.Start + r.Length) / FrameSize // exclusive, floor
		for f := first; f < last && f < a.frames; f++ {
			a.setFreeLocked(f)
		}
	}
	a.clearFreeLocked(0) // the zero frame is always in-use
}

// Allocate reserves count frames and returns the physical address of
// the first one. Only count == 1 is supported.
func (a *Allocator) Allocate(count int) (PhysAddr, error) {
	if count != 1 {
		return 0, kerr.New("physmem.Allocate", kerr.InvalidParam)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	for w := 0; w < len(a.bitmap); w++ {
		if a.bitmap[w] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(a.bitmap[w])
		frame := uint64(w)*64 + uint64(bit)
		if frame >= a.frames {
			break
		}
		a.bitmap[w] &^= 1 << uint(bit)
		return PhysAddr(frame * FrameSize), nil
	}
	return 0, kerr.New("physmem.Allocate", kerr.OutOfResource)
}

// Free releases count frames starting at addr. Only count == 1 is
// supported; addr must be 2 MiB aligned and currently allocated.
func (a *Allocator) Free(addr PhysAddr, count int) error {
	if count != 1 {
		return kerr.New("physmem.Free", kerr.InvalidParam)
	}
	if addr%FrameSize != 0 {
		return kerr.New("physmem.Free", kerr.InvalidParam)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	frame := uint64(addr) / FrameSize
	if frame >= a.frames {
		return kerr.New("physmem.Free", kerr.InvalidParam)
	}
	if a.isFreeLocked(frame) {
		return kerr.New("physmem.Free", kerr.InvalidOp)
	}
	a.setFreeLocked(frame)
	return nil
}

// IsFree reports whether the frame at addr is currently free.
func (a *Allocator) IsFree(addr PhysAddr) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	frame := uint64(addr) / FrameSize
	if frame >= a.frames {
		return false
	}
	return a.isFreeLocked(frame)
}

// MarkAllocated force-marks the frame at addr allocated, regardless of
// its previous state. Used during bootstrap to reserve frames the
// kernel image already occupies.
func (a *Allocator) MarkAllocated(addr PhysAddr) {
	a.lock.Lock()
	defer a.lock.Unlock()
	frame := uint64(addr) / FrameSize
	if frame < a.frames {
		a.clearFreeLocked(frame)
	}
}

// MarkFree force-marks the frame at addr free.
func (a *Allocator) MarkFree(addr PhysAddr) {
	a.lock.Lock()
	defer a.lock.Unlock()
	frame := uint64(addr) / FrameSize
	if frame < a.frames {
		a.setFreeLocked(frame)
	}
}

// Stats reports total and free frame counts.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	var free uint64
	for _, w := range a.bitmap {
		free += uint64(bits.OnesCount64(w))
	}
	return Stats{TotalFrames: a.frames, FreeFrames: free}
}

func (a *Allocator) isFreeLocked(frame uint64) bool {
	return a.bitmap[frame/64]&(1<<(frame%64)) != 0
}

func (a *Allocator) setFreeLocked(frame uint64) {
	a.bitmap[frame/64] |= 1 << (frame % 64)
}

func (a *Allocator) clearFreeLocked(frame uint64) {
	a.bitmap[frame/64] &^= 1 << (frame % 64)
}
