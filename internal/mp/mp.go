// Package mp implements inter-processor signaling and AP bring-up.
// AP bring-up fans out across per-CPU goroutines using
// golang.org/x/sync/errgroup, standing in for the INIT/STARTUP IPI
// sequence a real BSP issues to each AP's LAPIC.
package mp

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
	"golang.org/x/sync/errgroup"
)

// Message is the IPI payload kind.
type Message int

const (
	Resume Message = iota
	Suspend
	TLBShootdown
	ReloadIDT
)

// State is the per-target IPI handshake state machine.
type State int

const (
	NoMsg State = iota
	MsgWaiting
	Acknowledged
	Completed
)

// Handler receives dispatched IPI messages on behalf of one CPU,
// standing in for the architectural NMI handler.
type Handler interface {
	Resume()
	Suspend()
	TLBShootdown()
	ReloadIDT()
}

// ipiState is one target CPU's signal handshake record.
type ipiState struct {
	lock  ksync.Spinlock
	msg   Message
	state State
}

// Bus routes IPIs between CPUs and tracks AP readiness for bring-up.
type Bus struct {
	states   []ipiState
	handlers []Handler
	running  []atomic.Bool
}

// NewBus builds one bus covering every logical processor, each
// dispatching received messages to its own handler.
func NewBus(handlers []Handler) *Bus {
	return &Bus{
		states:   make([]ipiState, len(handlers)),
		handlers: handlers,
		running:  make([]atomic.Bool, len(handlers)),
	}
}

// Signal hands msg to targetCPU and spins until the handshake reaches
// Acknowledged (if !mustComplete) or Completed.
func (b *Bus) Signal(targetCPU int, msg Message, mustComplete bool) error {
	if targetCPU < 0 || targetCPU >= len(b.states) {
		return kerr.New("mp.Signal", kerr.InvalidParam)
	}
	s := &b.states[targetCPU]

	s.lock.Lock()
	if s.state != NoMsg {
		s.lock.Unlock()
		return kerr.New("mp.Signal", kerr.InvalidOp)
	}
	s.msg = msg
	s.state = MsgWaiting
	s.lock.Unlock()

	b.deliverNMI(targetCPU)

	for {
		s.lock.Lock()
		cur := s.state
		s.lock.Unlock()
		if cur == Completed || (!mustComplete && cur == Acknowledged) {
			break
		}
	}

	s.lock.Lock()
	s.state = NoMsg
	s.lock.Unlock()
	return nil
}

// deliverNMI synchronously runs the target CPU's NMI handler, standing
// in for an actual hardware NMI: it requires state == MsgWaiting, sets
// Acknowledged, dispatches by message, then sets Completed.
func (b *Bus) deliverNMI(cpu int) {
	s := &b.states[cpu]

	s.lock.Lock()
	if s.state != MsgWaiting {
		s.lock.Unlock()
		return
	}
	s.state = Acknowledged
	msg := s.msg
	s.lock.Unlock()

	h := b.handlers[cpu]
	switch msg {
	case Resume:
		h.Resume()
	case Suspend:
		h.Suspend()
	case TLBShootdown:
		h.TLBShootdown()
	case ReloadIDT:
		h.ReloadIDT()
	}

	s.lock.Lock()
	s.state = Completed
	s.lock.Unlock()
}

// MarkRunning records that a CPU finished coming up. It is called from
// whichever goroutine started that CPU, while BringUpAPs polls the flag
// from another, so the flag is read and written across goroutines.
func (b *Bus) MarkRunning(cpu int) {
	b.running[cpu].Store(true)
}

// IsRunning reports whether the given CPU has reported itself up.
func (b *Bus) IsRunning(cpu int) bool {
	return b.running[cpu].Load()
}

// BringUpAPs starts every AP (every CPU index other than the BSP, 0)
// concurrently via bootAP, waiting up to 1s per AP for it to report
// running — the same budget real bring-up allows after the INIT and
// STARTUP IPIs. INIT/STARTUP delivery has no meaning in this hosted
// simulation, so bootAP is the caller-supplied AP entry point
// (typically one that starts the CPU's scheduler loop and calls
// MarkRunning).
func (b *Bus) BringUpAPs(ctx context.Context, bootAP func(cpu int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 1; cpu < len(b.handlers); cpu++ {
		cpu := cpu
		g.Go(func() error {
			if err := bootAP(cpu); err != nil {
				return err
			}
			deadline := time.Now().Add(time.Second)
			for !b.IsRunning(cpu) {
				if time.Now().After(deadline) {
					return kerr.New("mp.BringUpAPs", kerr.DeviceFailed)
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
					runtime.Gosched()
				}
			}
			return nil
		})
	}
	return g.Wait()
}
