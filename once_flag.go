package corolock

import "sync/atomic"

// OnceFlag is a two-state, monotonic, lock-free one-shot latch: Unset to
// Set, exactly once. It never resets and never suspends a caller — it is
// the single atomic word the rest of this package builds ownership
// guarantees on top of (ReleaseHandle, waiter completion, router
// subscription liveness).
//
// Grounded on the CAS discipline of the corpus's own Latch/Gate/Pulse
// state words, narrowed to a smaller contract: no waiters, no wake-up
// fan-out, just "did I win the one transition".
type OnceFlag struct {
	_   noCopy
	set atomic.Bool
}

// IsSet reports whether TrySet has ever succeeded on this flag.
func (f *OnceFlag) IsSet() bool {
	return f.set.Load()
}

// TrySet atomically transitions Unset->Set and reports whether this call
// was the one that won the transition. Safe for any number of concurrent
// callers; exactly one observes true.
func (f *OnceFlag) TrySet() bool {
	return f.set.CompareAndSwap(false, true)
}
