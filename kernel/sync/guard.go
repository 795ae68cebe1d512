// Package sync provides synchronization primitives that can be used before
// the Go runtime scheduler is available, namely a CAS-based spinlock.
package sync

import "sync/atomic"

// Guard is a spinlock built on top of a single CAS loop. It is used to
// serialize access to the kernel memory allocator: exactly one goroutine may
// hold the guard at a time and no code path that holds it may suspend (block
// on a channel, call into the scheduler, etc).
//
// The zero value is an unlocked Guard ready for use.
type Guard struct {
	state uint32
}

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Lock spins using a compare-and-swap loop until it manages to transition the
// guard from unlocked to locked.
func (g *Guard) Lock() {
	for !atomic.CompareAndSwapUint32(&g.state, unlocked, locked) {
		// busy-wait; there are no suspension points inside the critical
		// section so the lock is always released promptly.
	}
}

// TryLock attempts to acquire the guard without blocking. It returns true if
// the guard was successfully acquired.
func (g *Guard) TryLock() bool {
	return atomic.CompareAndSwapUint32(&g.state, unlocked, locked)
}

// Unlock releases the guard if (and only if) it is currently held. Unlike
// MustUnlock, calling Unlock on an already-unlocked guard is a no-op; this
// makes it safe to use from defer/cleanup paths that may run after an
// earlier, explicit unlock already happened.
func (g *Guard) Unlock() {
	atomic.CompareAndSwapUint32(&g.state, locked, unlocked)
}

// MustUnlock releases the guard and panics if it was not held. It is used on
// code paths where releasing an already-unlocked guard indicates a logic
// error in the caller rather than a benign race.
func (g *Guard) MustUnlock() {
	if !atomic.CompareAndSwapUint32(&g.state, locked, unlocked) {
		panic("sync: unlocking unlocked memory guard")
	}
}

// Locked reports whether the guard is currently held. It is intended for
// assertions and tests; it must not be used to implement additional
// synchronization logic as it is inherently racy.
func (g *Guard) Locked() bool {
	return atomic.LoadUint32(&g.state) == locked
}
