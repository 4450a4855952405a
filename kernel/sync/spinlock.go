// Package sync provides the one mutual-exclusion primitive used by the
// memory subsystem: an interrupt-safe spinlock. Unlike the standard
// library's sync.Mutex, acquiring this lock never parks the calling
// goroutine/CPU on a scheduler wait queue — it busy-waits, which is the
// only option before a scheduler exists.
package sync

import (
	"sync/atomic"

	"github.com/anillo-os/anillo-os/kernel/cpu"
)

// yieldFn is substituted in tests to avoid live-locking on a single-core
// test runner; on real hardware a spin loop doesn't need to yield to a
// scheduler.
var yieldFn func()

// SpinLock is a test-and-set lock that disables interrupts on the holding
// CPU for as long as it is held. Because interrupts are guaranteed
// disabled while the lock is held, the holder cannot deadlock against its
// own interrupt handler (spec.md §5).
type SpinLock struct {
	state uint32
}

// Guard is returned by Acquire and restores the pre-acquisition interrupt
// state when released. All locks in this subsystem use this scoped
// acquisition pattern so release happens on every exit path, including a
// deferred release across a panicking goroutine.
type Guard struct {
	lock          *SpinLock
	wasInterrupts bool
}

// Acquire blocks until the lock is held, disabling interrupts on the
// calling CPU first. Re-acquiring a lock already held by the calling
// goroutine deadlocks, matching the teacher's documented contract.
func (l *SpinLock) Acquire() Guard {
	wasInterrupts := cpu.DisableInterrupts()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		cpu.RestoreInterrupts(wasInterrupts)
		if yieldFn != nil {
			yieldFn()
		} else {
			cpu.Pause()
		}
		wasInterrupts = cpu.DisableInterrupts()
	}
	return Guard{lock: l, wasInterrupts: wasInterrupts}
}

// TryAcquire attempts to acquire the lock without blocking. It returns the
// zero Guard and false if the lock was already held.
func (l *SpinLock) TryAcquire() (Guard, bool) {
	wasInterrupts := cpu.DisableInterrupts()
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		cpu.RestoreInterrupts(wasInterrupts)
		return Guard{}, false
	}
	return Guard{lock: l, wasInterrupts: wasInterrupts}, true
}

// Release relinquishes the lock and restores the interrupt state captured
// at acquisition time. Releasing a zero-value Guard (one not returned by a
// successful Acquire/TryAcquire) has no effect.
func (g Guard) Release() {
	if g.lock == nil {
		return
	}
	atomic.StoreUint32(&g.lock.state, 0)
	cpu.RestoreInterrupts(g.wasInterrupts)
}
