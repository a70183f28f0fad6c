package ksync

import (
	"sync/atomic"
	"time"
)

// WaitForFirstTriggerObject is a WaitObject that latches: once triggered,
// every subsequent Wait returns immediately. Suitable for one-shot events
// like "process exited".
type WaitForFirstTriggerObject struct {
	WaitObject
	triggered atomic.Bool
}

// NewWaitForFirstTriggerObject builds an untriggered one-shot event.
func NewWaitForFirstTriggerObject(hooks Hooks) *WaitForFirstTriggerObject {
	return &WaitForFirstTriggerObject{WaitObject: WaitObject{hooks: hooks}}
}

// Wait returns immediately if the event has already fired; otherwise it
// behaves exactly like WaitObject.Wait.
func (w *WaitForFirstTriggerObject) Wait(self Schedulable, timeout time.Duration) Outcome {
	if w.triggered.Load() {
		return Signaled
	}
	return w.WaitObject.Wait(self, timeout)
}

// TriggerNextThread latches the event, then wakes one waiter.
func (w *WaitForFirstTriggerObject) TriggerNextThread() bool {
	w.triggered.Store(true)
	return w.WaitObject.TriggerNextThread()
}

// TriggerAllThreads latches the event, then wakes every waiter.
func (w *WaitForFirstTriggerObject) TriggerAllThreads() {
	w.triggered.Store(true)
	w.WaitObject.TriggerAllThreads()
}

// Triggered reports whether the event has fired.
func (w *WaitForFirstTriggerObject) Triggered() bool {
	return w.triggered.Load()
}
