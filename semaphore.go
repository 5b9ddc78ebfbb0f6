package corolock

import "context"

// Semaphore is a strictly FIFO-fair, cancellable counting semaphore: n
// permits are handed to waiters in the exact order their Acquire calls
// enqueued, never out of order (unlike golang.org/x/sync/semaphore, which
// optimizes for throughput and allows barging). It backs SemaphoreMutex
// and the two permit counters (items, slots) inside BoundedAsyncQueue.
//
// Grounded on the corpus's FairSemaphore (a TicketLock-protected linked
// list of waiters, each requesting n permits), adapted from its
// sema-linknamed parking to waiter's cancellable completion cell so an
// Acquire can be abandoned via context without leaking its reservation
// (see Release's activation-loss refund below).
//
// Zero-value usable with zero initial permits (a semaphore that starts
// fully acquired).
type Semaphore struct {
	_       noCopy
	gate    monitorGate
	permits int64
	head    *semaphoreEntry
	tail    *semaphoreEntry
}

type semaphoreEntry struct {
	w    *waiter
	n    int64
	next *semaphoreEntry
}

// NewSemaphore creates a Semaphore with the given number of initial permits.
func NewSemaphore(initial int64) *Semaphore {
	return &Semaphore{permits: initial}
}

// Acquire suspends until n permits are available or ctx is done. n<=0 is a no-op.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return cancelledErr(ctx)
	}

	s.gate.Lock()
	if s.head == nil && s.permits >= n {
		s.permits -= n
		s.gate.Unlock()
		return nil
	}
	w := newWaiter()
	e := &semaphoreEntry{w: w, n: n}
	if s.tail == nil {
		s.head, s.tail = e, e
	} else {
		s.tail.next = e
		s.tail = e
	}
	s.gate.Unlock()

	return awaitWithCancel(ctx, w, func() { s.unlink(e) })
}

// TryAcquire attempts to acquire n permits without suspending. It never
// steals ahead of an existing waiter, matching Mutex.TryLock's fairness
// rule: it fails whenever anyone is already queued.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.head != nil || s.permits < n {
		return false
	}
	s.permits -= n
	return true
}

// Release returns n permits, activating as many head waiters as the new
// total will satisfy, in FIFO order. n<=0 is a no-op.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	s.gate.Lock()
	s.permits += n
	var activating []*semaphoreEntry
	for s.head != nil && s.permits >= s.head.n {
		e := s.head
		s.permits -= e.n
		s.head = e.next
		if s.head == nil {
			s.tail = nil
		}
		e.next = nil
		activating = append(activating, e)
	}
	s.gate.Unlock()

	for _, e := range activating {
		if !e.w.activate() {
			// Lost the race against a concurrent cancellation: the
			// permits reserved for e were never claimed. Hand them off
			// to whoever is next, exactly as a cancelled Mutex head
			// hands its ownership to the new head.
			s.Release(e.n)
		}
	}
}

// unlink removes e from the waiter list if it is still linked (a no-op if
// Release already popped it — in that race Release's own activate-loss
// branch is what refunds the permits, see above).
func (s *Semaphore) unlink(e *semaphoreEntry) {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.head == e {
		s.head = e.next
		if s.head == nil {
			s.tail = nil
		}
		e.next = nil
		return
	}
	prev := s.head
	for prev != nil && prev.next != e {
		prev = prev.next
	}
	if prev == nil {
		return
	}
	prev.next = e.next
	if s.tail == e {
		s.tail = prev
	}
	e.next = nil
}
