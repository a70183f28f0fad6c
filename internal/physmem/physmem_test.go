package physmem_test

import (
	"testing"

	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/physmem"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, frames uint64) *physmem.Allocator {
	t.Helper()
	a := physmem.New(frames)
	a.LoadMemoryMap([]physmem.MemRegion{
		{Start: 0, Length: frames * physmem.FrameSize, Type: physmem.RegionUsable},
	})
	return a
}

func TestZeroFrameAlwaysAllocated(t *testing.T) {
	a := newTestAllocator(t, 8)
	require.False(t, a.IsFree(0))
}

func TestAllocateFindsFirstFreeFrame(t *testing.T) {
	a := newTestAllocator(t, 4)
	addr, err := a.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, physmem.PhysAddr(physmem.FrameSize), addr) // frame 0 is reserved
}

func TestAllocateExhaustion(t *testing.T) {
	a := newTestAllocator(t, 2)
	_, err := a.Allocate(1) // frame 1 (only free one after frame 0 is reserved)
	require.NoError(t, err)
	_, err = a.Allocate(1)
	require.Equal(t, kerr.OutOfResource, kerr.CodeOf(err))
}

func TestFreeRequiresAlignment(t *testing.T) {
	a := newTestAllocator(t, 4)
	err := a.Free(physmem.PhysAddr(physmem.FrameSize+1), 1)
	require.Equal(t, kerr.InvalidParam, kerr.CodeOf(err))
}

func TestFreeRequiresPreviouslyAllocated(t *testing.T) {
	a := newTestAllocator(t, 4)
	err := a.Free(physmem.PhysAddr(2*physmem.FrameSize), 1) // never allocated, already free
	require.Equal(t, kerr.InvalidOp, kerr.CodeOf(err))
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 4)
	addr, err := a.Allocate(1)
	require.NoError(t, err)
	require.False(t, a.IsFree(addr))
	require.NoError(t, a.Free(addr, 1))
	require.True(t, a.IsFree(addr))
}

func TestOnlySingleFrameAllocationsSupported(t *testing.T) {
	a := newTestAllocator(t, 4)
	_, err := a.Allocate(2)
	require.Equal(t, kerr.InvalidParam, kerr.CodeOf(err))
}

func TestStatsReflectsUsage(t *testing.T) {
	a := newTestAllocator(t, 4)
	before := a.Stats()
	require.Equal(t, uint64(4), before.TotalFrames)
	require.Equal(t, uint64(3), before.FreeFrames) // frame 0 reserved

	addr, err := a.Allocate(1)
	require.NoError(t, err)
	after := a.Stats()
	require.Equal(t, uint64(2), after.FreeFrames)

	require.NoError(t, a.Free(addr, 1))
	require.Equal(t, before.FreeFrames, a.Stats().FreeFrames)
}

func TestMarkAllocatedAndMarkFree(t *testing.T) {
	a := newTestAllocator(t, 4)
	addr := physmem.PhysAddr(physmem.FrameSize)
	require.True(t, a.IsFree(addr))
	a.MarkAllocated(addr)
	require.False(t, a.IsFree(addr))
	a.MarkFree(addr)
	require.True(t, a.IsFree(addr))
}

func TestRegionsOutsideUsableTypeStayAllocated(t *testing.T) {
	a := physmem.New(4)
	a.LoadMemoryMap([]physmem.MemRegion{
		{Start: 0, Length: 4 * physmem.FrameSize, Type: 2}, // reserved
	})
	for f := uint64(0); f < 4; f++ {
		require.False(t, a.IsFree(physmem.PhysAddr(f*physmem.FrameSize)))
	}
}
