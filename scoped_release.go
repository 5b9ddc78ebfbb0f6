package corolock

import "context"

// ReleaseHandle is the scoped value every acquire operation in this
// package hands back: a caller owns the exclusive right to release its
// primitive exactly once. Multiple releases of the same handle collapse
// into one effective release, guarded by an embedded OnceFlag.
type ReleaseHandle struct {
	_       noCopy
	once    OnceFlag
	release func()
}

// newReleaseHandle builds a handle around a release action. The action
// must not itself suspend — it runs synchronously under Close. Primitives
// whose release action needs to await something (none in this package do)
// would instead expose an async close following the same OnceFlag guard.
func newReleaseHandle(release func()) *ReleaseHandle {
	return &ReleaseHandle{release: release}
}

// Close runs the release action at most once. Idempotent: safe to call
// from any exit path, including defer after a cancelled acquire, and safe
// to call more than once.
func (h *ReleaseHandle) Close() {
	if h.once.TrySet() {
		h.release()
	}
}

// ScopedRelease is a standalone idempotent release guard for callers that
// want the OnceFlag-guarded at-most-once semantics without a primitive's
// acquire/release pair — e.g. wrapping cleanup of an external resource
// a handler registered alongside a subscription.
type ScopedRelease struct {
	_     noCopy
	once  OnceFlag
	value any
	close func(any)
}

// NewScopedRelease builds a guard around value that invokes closeFn(value)
// at most once.
func NewScopedRelease(value any, closeFn func(any)) *ScopedRelease {
	return &ScopedRelease{value: value, close: closeFn}
}

// Close runs the release action synchronously at most once. The action
// must not suspend.
func (s *ScopedRelease) Close() {
	if s.once.TrySet() {
		s.close(s.value)
	}
}

// CloseAsync runs the release action at most once, awaiting it. Used when
// the release action itself needs to suspend (e.g. it flushes a bounded
// queue). ctx cancellation does not abandon a release already in flight
// from another caller; it only governs this caller's own wait if the
// action type chooses to honor it.
func (s *ScopedRelease) CloseAsync(ctx context.Context, closeFn func(context.Context, any) error) error {
	if !s.once.TrySet() {
		return nil
	}
	return closeFn(ctx, s.value)
}
