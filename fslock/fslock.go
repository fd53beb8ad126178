// Package fslock holds the single, process-wide filesystem lock
// (fs_lock) that serializes every call into the (out-of-scope) real
// filesystem, per spec.md §5. It is one lock shared by every process
// in the system, mirroring the teacher's pattern of a single named
// lock per shared kernel resource (e.g. biscuit's Physmem_t holding
// its own lock rather than one per caller).
package fslock

import (
	"sync"
	"sync/atomic"

	"vmkern/kerrors"
)

var (
	mu   sync.Mutex
	held atomic.Bool
)

// Acquire takes fs_lock. Callers must not already hold it — spec.md §5
// requires the syscall bridge to assert this on entry, since fs_lock is
// never meant to be held across a syscall dispatch.
func Acquire() {
	mu.Lock()
	held.Store(true)
}

// Release releases fs_lock.
func Release() {
	held.Store(false)
	mu.Unlock()
}

// AssertNotHeld panics if fs_lock is currently held by any caller: held
// is one process-wide flag, not tagged with the holder. Provided for
// syscall-handler entry per spec.md §5's non-reentrancy requirement.
func AssertNotHeld() {
	kerrors.Assertf(!held.Load(), "fslock: fs_lock already held at syscall entry")
}

// With acquires fs_lock, runs fn, and releases it even if fn panics.
func With(fn func()) {
	Acquire()
	defer Release()
	fn()
}
