package boot

import (
	"time"

	"github.com/martin-hughes/azalea/internal/physmem"
	"github.com/rs/zerolog"
)

// Config bundles everything boot.Init needs to bring up a kernel
// instance. Real firmware hands over a raw e820 buffer; here the
// caller supplies the already-parsed regions.
type Config struct {
	// MaxFrames bounds the physical frame bitmap. Production defaults
	// would track a full 64-bit physical address space; test configs
	// use small counts (64-4096 frames).
	MaxFrames uint64

	// NumCPUs is how many logical CPUs to bring up. Defaults to 1.
	NumCPUs int

	// MemoryMap is the synthetic e820 map seeding the physical
	// allocator.
	MemoryMap []physmem.MemRegion

	// TickInterval is the scheduler's periodic-timer period. Defaults
	// to time.Millisecond, the cadence a real HPET comparator would be
	// programmed for.
	TickInterval time.Duration

	// Logger receives structured boot/scheduler/interrupt events. The
	// zero value discards them.
	Logger zerolog.Logger
}
