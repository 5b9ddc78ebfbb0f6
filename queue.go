package corolock

import (
	"context"
	"sync/atomic"
)

// BoundedAsyncQueue is an async producer/consumer queue over a
// caller-supplied Collection[T]. Item availability is
// signalled by an "items" Semaphore (permits = ready-to-take count); when
// a capacity is set, free space is tracked by a "slots" Semaphore
// (permits = free capacity) — an unbounded queue has no slots semaphore
// and Add never suspends on space. Both semaphores are FIFO-fair, so
// producers blocked on a full queue and consumers blocked on an empty one
// are each served in arrival order.
//
// Grounded on the corpus's FairSemaphore-backed producer/consumer pattern,
// generalized to a pluggable Collection so the backing order (FIFO ring,
// LIFO stack, or a lock-free MPMC queue) is the caller's choice rather
// than baked into the queue itself.
type BoundedAsyncQueue[T any] struct {
	collection Collection[T]
	items      Semaphore
	slots      *Semaphore
	capacity   int
	streaming  atomic.Bool
}

// NewBoundedAsyncQueue creates a BoundedAsyncQueue of the given capacity
// backed by collection. capacity must be positive and collection's
// current length must not exceed it, or construction fails with
// ErrInvalidArgument. collection must itself be safe for the access
// pattern BoundedAsyncQueue imposes (at most one Add in flight per free
// slot, at most one Take in flight per ready item); NewRingCollection,
// NewStackCollection and NewLockFreeCollection all qualify.
func NewBoundedAsyncQueue[T any](collection Collection[T], capacity int) (*BoundedAsyncQueue[T], error) {
	if capacity <= 0 {
		return nil, invalidArgumentErr("capacity must be positive")
	}
	initial := collection.Len()
	if initial > capacity {
		return nil, invalidArgumentErr("initial collection size exceeds capacity")
	}
	return &BoundedAsyncQueue[T]{
		collection: collection,
		items:      Semaphore{permits: int64(initial)},
		slots:      &Semaphore{permits: int64(capacity - initial)},
		capacity:   capacity,
	}, nil
}

// NewUnboundedAsyncQueue creates a BoundedAsyncQueue with no capacity
// limit: Add never suspends on space.
func NewUnboundedAsyncQueue[T any](collection Collection[T]) *BoundedAsyncQueue[T] {
	return &BoundedAsyncQueue[T]{
		collection: collection,
		items:      Semaphore{permits: int64(collection.Len())},
	}
}

// Add suspends until a slot is free (or ctx is done; skipped entirely when
// unbounded), then enqueues v. If the collection refuses v, the reserved
// slot is given back and Add returns nil without enqueuing v.
func (q *BoundedAsyncQueue[T]) Add(ctx context.Context, v T) error {
	if q.slots != nil {
		if err := q.slots.Acquire(ctx, 1); err != nil {
			return err
		}
	} else if err := ctx.Err(); err != nil {
		return cancelledErr(ctx)
	}
	if !q.collection.Add(v) {
		// The collection refused despite a reserved slot: give the slot
		// back, nothing was enqueued.
		if q.slots != nil {
			q.slots.Release(1)
		}
		return nil
	}
	q.items.Release(1)
	return nil
}

// TryAdd enqueues v without suspending, reporting false if the queue is full.
func (q *BoundedAsyncQueue[T]) TryAdd(v T) bool {
	if q.slots != nil {
		if !q.slots.TryAcquire(1) {
			return false
		}
	}
	if !q.collection.Add(v) {
		if q.slots != nil {
			q.slots.Release(1)
		}
		return false
	}
	q.items.Release(1)
	return true
}

// Take suspends until an item is available (or ctx is done), then dequeues it.
func (q *BoundedAsyncQueue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	if err := q.items.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	v, ok := q.collection.Take()
	if !ok {
		q.items.Release(1)
		return zero, invalidStateErr("collection reported empty with a reserved item available")
	}
	if q.slots != nil {
		q.slots.Release(1)
	}
	return v, nil
}

// TryTake dequeues an item without suspending, reporting false if empty.
func (q *BoundedAsyncQueue[T]) TryTake() (T, bool) {
	var zero T
	if !q.items.TryAcquire(1) {
		return zero, false
	}
	v, ok := q.collection.Take()
	if !ok {
		q.items.Release(1)
		return zero, false
	}
	if q.slots != nil {
		q.slots.Release(1)
	}
	return v, true
}

// Count reports the number of items currently available to Take.
func (q *BoundedAsyncQueue[T]) Count() int {
	q.items.gate.Lock()
	defer q.items.gate.Unlock()
	return int(q.items.permits)
}

// Capacity reports the queue's fixed capacity, and false if it is unbounded.
func (q *BoundedAsyncQueue[T]) Capacity() (int, bool) {
	if q.slots == nil {
		return 0, false
	}
	return q.capacity, true
}

// ConsumingStream returns a single-consumer iterator draining the queue
// until ctx is done. Calling ConsumingStream again while the previous
// stream is still live is an InvalidState error: only one consuming stream
// may be active per queue at a time.
func (q *BoundedAsyncQueue[T]) ConsumingStream(ctx context.Context) (*ConsumingStream[T], error) {
	if !q.streaming.CompareAndSwap(false, true) {
		return nil, invalidStateErr("a consuming stream is already active on this queue")
	}
	cctx, cancel := context.WithCancel(ctx)
	return &ConsumingStream[T]{
		queue:  q,
		ctx:    cctx,
		cancel: cancel,
	}, nil
}

// ConsumingStream is a lazy, single-consumer iterator over a
// BoundedAsyncQueue. Next suspends until an item is ready or the stream's
// context ends. Close releases the queue for a new stream to be created.
type ConsumingStream[T any] struct {
	queue  *BoundedAsyncQueue[T]
	ctx    context.Context
	cancel context.CancelFunc
}

// Next suspends for the next item. Returns an error once the stream's
// context is done (including via Close).
func (s *ConsumingStream[T]) Next() (T, error) {
	return s.queue.Take(s.ctx)
}

// Close ends the stream, unblocking any suspended Next with a cancellation
// error, and allows a new ConsumingStream to be created on the queue.
func (s *ConsumingStream[T]) Close() {
	s.cancel()
	s.queue.streaming.Store(false)
}
