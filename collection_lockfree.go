package corolock

import "code.hybscloud.com/lfq"

// lockFreeCollection adapts lfq.MPMC (an FAA-based SCQ bounded queue, no
// locking at all) to Collection[T], for callers who want
// BoundedAsyncQueue's two semaphores to be the only synchronization on the
// hot path and the backing store itself to never block or spin under its
// own lock.
type lockFreeCollection[T any] struct {
	q *lfq.MPMC[T]
}

// NewLockFreeCollection creates a Collection backed by a lock-free MPMC
// ring (capacity rounds up to the next power of 2, per lfq.NewMPMC).
func NewLockFreeCollection[T any](capacity int) Collection[T] {
	return &lockFreeCollection[T]{q: lfq.NewMPMC[T](capacity)}
}

func (c *lockFreeCollection[T]) Add(v T) bool {
	return c.q.Enqueue(&v) == nil
}

func (c *lockFreeCollection[T]) Take() (T, bool) {
	v, err := c.q.Dequeue()
	return v, err == nil
}

// Len is not tracked by lfq.MPMC (accurate lock-free counts require
// expensive cross-core synchronization, per its own doc comment), so this
// reports 0 always. BoundedAsyncQueue reads Len only at construction, so a
// queue built over a pre-filled lock-free collection starts with no items
// available to Take.
func (c *lockFreeCollection[T]) Len() int {
	return 0
}
