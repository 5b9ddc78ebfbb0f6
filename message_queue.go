package corolock

import "context"

// Registrar is the subset of KeyedRouter's registration contract a
// MessageQueue needs to bind against. BroadcastRouter does not implement
// it directly (it has no key), but a caller can adapt one with a thin
// wrapper that ignores the key argument, letting MessageQueue bind to
// either flavor of router uniformly.
type Registrar[M any] interface {
	RegisterCallback(ctx context.Context, key string, h Handler[M]) (*ReleaseHandle, error)
}

// MessageQueue is a drop-oldest bounded sink: it binds a handler to one or
// more routers under a chosen key, and every delivered
// message is enqueued into an internal BoundedAsyncQueue. When that queue
// is bounded and full, the oldest queued message is dropped and the
// insert retried until it succeeds, so a slow consumer never blocks the
// publisher and never loses the newest messages.
type MessageQueue[M any] struct {
	queue *BoundedAsyncQueue[M]
}

// NewMessageQueue creates a MessageQueue backed by a ring-ordered
// BoundedAsyncQueue of the given capacity.
func NewMessageQueue[M any](capacity int) (*MessageQueue[M], error) {
	q, err := NewBoundedAsyncQueue[M](NewRingCollection[M](capacity), capacity)
	if err != nil {
		return nil, err
	}
	return &MessageQueue[M]{queue: q}, nil
}

// Bind subscribes the queue to r under key, so every message r publishes
// under key is enqueued. The returned handle unregisters the underlying
// router subscription; it does not close the queue itself, so a
// MessageQueue may be Bound to several routers concurrently.
func (q *MessageQueue[M]) Bind(ctx context.Context, key string, r Registrar[M]) (*ReleaseHandle, error) {
	return r.RegisterCallback(ctx, key, func(ctx context.Context, key string, msg M) error {
		q.enqueueDropOldest(msg)
		return nil
	})
}

// enqueueDropOldest inserts msg, evicting the oldest queued message and
// retrying whenever the queue is momentarily full. This never suspends: a
// publisher must never block on a slow consumer.
func (q *MessageQueue[M]) enqueueDropOldest(msg M) {
	for !q.queue.TryAdd(msg) {
		if _, ok := q.queue.TryTake(); !ok {
			// Emptied concurrently by a consumer between our failed TryAdd
			// and this TryTake; loop and try the insert again.
			continue
		}
	}
}

// TakeMessage suspends until a message is available or ctx is done.
func (q *MessageQueue[M]) TakeMessage(ctx context.Context) (M, error) {
	return q.queue.Take(ctx)
}

// TryTakeMessage dequeues a message without suspending.
func (q *MessageQueue[M]) TryTakeMessage() (M, bool) {
	return q.queue.TryTake()
}
