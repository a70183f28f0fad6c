// Package irq implements the interrupt dispatcher: per-vector handler
// registration with a two-phase fast/slow dispatch path.
package irq

import (
	"math/bits"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
	"github.com/rs/zerolog"
)

// TableSize is the number of architectural vectors. x86-64 has 256.
const TableSize = 256

// IRQWindowStart and IRQWindowEnd mark the fixed, non-allocatable IRQ
// vectors.
const (
	IRQWindowStart = 32
	IRQWindowEnd   = 47
)

// MaxBlockSize is the largest contiguous block request_interrupt_block
// will satisfy.
const MaxBlockSize = 32

// Receiver is the contract a driver implements to take interrupts.
type Receiver interface {
	HandleInterruptFast(vector int) bool
	HandleInterruptSlow(vector int)
}

type handlerRecord struct {
	receiver Receiver
	slowPath bool
}

type vectorEntry struct {
	lock     ksync.Spinlock
	reserved bool
	isIRQ    bool
	handlers []handlerRecord
}

// Table is the fixed-size interrupt vector table. One instance exists
// per booted kernel.
type Table struct {
	log     zerolog.Logger
	entries [TableSize]vectorEntry

	// reserveLock serializes block reservations, which scan and mark
	// many entries at once.
	reserveLock ksync.Spinlock

	slowPathRate *catrate.Limiter
}

// NewTable builds a table with the fixed IRQ window reserved.
func NewTable(log zerolog.Logger) *Table {
	t := &Table{
		log: log,
		// Throttle "slow handler requested repeatedly" warnings to at
		// most 5 per second per vector, so a noisy device can't flood
		// the log.
		slowPathRate: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
	}
	for v := IRQWindowStart; v <= IRQWindowEnd; v++ {
		t.entries[v].isIRQ = true
		t.entries[v].reserved = true
	}
	return t
}

// Register appends receiver to vector's handler list, in registration
// order.
func (t *Table) Register(vector int, receiver Receiver) error {
	if vector < 0 || vector >= TableSize {
		return kerr.New("irq.Register", kerr.InvalidParam)
	}
	e := &t.entries[vector]
	e.lock.Lock()
	defer e.lock.Unlock()
	e.handlers = append(e.handlers, handlerRecord{receiver: receiver})
	return nil
}

// Unregister removes receiver from vector's handler list. Removing a
// handler concurrently with a dispatch may miss that receiver on the
// in-flight fire; accepted, since registration changes are rare.
func (t *Table) Unregister(vector int, receiver Receiver) error {
	if vector < 0 || vector >= TableSize {
		return kerr.New("irq.Unregister", kerr.InvalidParam)
	}
	e := &t.entries[vector]
	e.lock.Lock()
	defer e.lock.Unlock()
	for i, h := range e.handlers {
		if h.receiver == receiver {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return nil
		}
	}
	return kerr.New("irq.Unregister", kerr.NotFound)
}

// DispatchFast runs every fast handler registered on vector, in
// registration order. A handler returning true marks that handler's
// record for slow-path follow-up. fast handlers may not
// take blocking locks; this function itself only ever holds the
// vector's spinlock, matching that constraint.
func (t *Table) DispatchFast(vector int) {
	if vector < 0 || vector >= TableSize {
		return
	}
	e := &t.entries[vector]
	e.lock.Lock()
	defer e.lock.Unlock()
	for i := range e.handlers {
		if e.handlers[i].receiver.HandleInterruptFast(vector) {
			e.handlers[i].slowPath = true
			if _, allowed := t.slowPathRate.Allow(vector); allowed {
				t.log.Warn().Int("vector", vector).Msg("slow path requested")
			}
		}
	}
}

// RunSlowPathOnce scans the whole table once, invoking
// HandleInterruptSlow for every handler whose slow-path flag is set,
// clearing the flag first. This is the body of the dedicated slow-path
// worker thread; unlike fast handlers, it may hold any lock.
func (t *Table) RunSlowPathOnce() {
	for v := 0; v < TableSize; v++ {
		e := &t.entries[v]
		e.lock.Lock()
		due := make([]Receiver, 0, len(e.handlers))
		for i := range e.handlers {
			if e.handlers[i].slowPath {
				e.handlers[i].slowPath = false
				due = append(due, e.handlers[i].receiver)
			}
		}
		e.lock.Unlock()

		for _, r := range due {
			r.HandleInterruptSlow(v)
		}
	}
}

// RequestInterruptBlock rounds n up to the next power of two, and
// reserves a contiguous, naturally aligned block of that many vectors
// above the fixed IRQ window, returning the first vector.
func (t *Table) RequestInterruptBlock(n int) (int, error) {
	if n <= 0 || n > MaxBlockSize {
		return 0, kerr.New("irq.RequestInterruptBlock", kerr.InvalidParam)
	}
	size := nextPow2(n)

	t.reserveLock.Lock()
	defer t.reserveLock.Unlock()

	for start := alignUp(IRQWindowEnd+1, size); start+size <= TableSize; start += size {
		if t.blockFree(start, size) {
			t.reserveBlock(start, size)
			return start, nil
		}
	}
	return 0, kerr.New("irq.RequestInterruptBlock", kerr.OutOfResource)
}

func (t *Table) blockFree(start, size int) bool {
	for v := start; v < start+size; v++ {
		if t.entries[v].reserved {
			return false
		}
	}
	return true
}

func (t *Table) reserveBlock(start, size int) {
	for v := start; v < start+size; v++ {
		t.entries[v].reserved = true
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
