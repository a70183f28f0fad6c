package boot

import (
	"sync"
	"time"

	"github.com/martin-hughes/azalea/internal/irq"
)

// SimTimer implements the HPET-like time-source contract: a monotonic
// counter, a nanosecond-to-counter-unit conversion, a busy-wait stall,
// and a periodic interrupt delivered through the normal interrupt
// table. Built over time.Ticker; only the interface to the core
// matters, not HPET register programming.
type SimTimer struct {
	start    time.Time
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSimTimer builds a timer ticking every interval.
func NewSimTimer(interval time.Duration) *SimTimer {
	return &SimTimer{start: time.Now(), interval: interval}
}

// CounterValue returns elapsed time since the timer started, in
// nanoseconds if ns is true, or milliseconds otherwise.
func (s *SimTimer) CounterValue(ns bool) uint64 {
	elapsed := time.Since(s.start)
	if ns {
		return uint64(elapsed.Nanoseconds())
	}
	return uint64(elapsed.Milliseconds())
}

// OffsetForWait converts a nanosecond duration to counter units: the
// milliseconds CounterValue(false) reports. Durations under 1 ms
// convert to 0.
func (s *SimTimer) OffsetForWait(ns uint64) uint64 { return ns / uint64(time.Millisecond) }

// Stall busy-waits for approximately ns nanoseconds.
func (s *SimTimer) Stall(ns uint64) {
	deadline := time.Now().Add(time.Duration(ns))
	for time.Now().Before(deadline) {
	}
}

// RegisterPeriodicInterrupt starts delivering a fast-path dispatch on
// vector, via table, every interval, calling onTick with the current
// counter value first. Stop ends delivery.
func (s *SimTimer) RegisterPeriodicInterrupt(table *irq.Table, vector int, onTick func(nowNS uint64)) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				now := s.CounterValue(true)
				if onTick != nil {
					onTick(now)
				}
				table.DispatchFast(vector)
			}
		}
	}()
}

// Stop halts periodic delivery, if it was started.
func (s *SimTimer) Stop() {
	s.stopOnce.Do(func() {
		if s.stopCh == nil {
			return
		}
		close(s.stopCh)
		<-s.doneCh
	})
}
