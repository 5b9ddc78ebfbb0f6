package corolock

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds, following the sentinel + Is* predicate idiom used by the
// reference corpus's own lock-free queue package (errors.go there aliases
// and tests a single ErrWouldBlock; corolock needs three kinds because it
// distinguishes a caller cancellation from a caller mistake from a state
// violation that must never happen in a correct program).
var (
	// ErrCancelled is returned by any suspending operation whose context
	// was cancelled or whose deadline expired before the operation could
	// complete.
	ErrCancelled = errors.New("corolock: operation cancelled")

	// ErrInvalidArgument is returned for caller mistakes detectable at the
	// call: a nil handler, an empty binding key where one is required, a
	// non-positive capacity, or an initial collection size exceeding it.
	ErrInvalidArgument = errors.New("corolock: invalid argument")

	// ErrInvalidState is returned when an operation is attempted against a
	// primitive in a state that forbids it: registering the same
	// (key, handler) pair twice, opening a second ConsumingStream on a
	// queue while one is still active, or a caller-supplied Collection
	// reporting empty while the queue holds a reserved item. Releasing a
	// handle whose router has already been collected is a no-op, not an
	// error.
	ErrInvalidState = errors.New("corolock: invalid state")
)

// IsCancelled reports whether err (or any error it wraps) is ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsInvalidArgument reports whether err (or any error it wraps) is ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsInvalidState reports whether err (or any error it wraps) is ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// cancelledErr wraps the caller's context error so that both
// errors.Is(err, ErrCancelled) and errors.Is(err, ctx.Err()) hold.
func cancelledErr(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// invalidStateErr wraps ErrInvalidState with msg describing which
// invariant the caller (or, rarely, an unexpectedly misbehaving
// caller-supplied Collection) violated.
func invalidStateErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, msg)
}

// invalidArgumentErr wraps ErrInvalidArgument with msg describing the
// offending argument.
func invalidArgumentErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

// invariant panics with a consistent message on a phase/invariant
// violation. corolock has no separate "fatal" error channel: a caller
// that reaches here has a structural bug in the primitive itself, not a
// recoverable misuse, so panicking is the correct (and idiomatic, see
// Rally.Meet's panic on parties<=0 in the reference corpus) response.
func invariant(msg string) {
	panic("corolock: invariant violation: " + msg)
}
