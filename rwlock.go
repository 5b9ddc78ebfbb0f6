package corolock

import (
	"context"

	"github.com/corolock/corolock/internal/opt"
)

// rwPhase is the ReaderWriterLock's tagged phase. Kept as a total,
// auditable sum type rather than dispatched via subclassing at call sites.
type rwPhase int32

const (
	rwIdle rwPhase = iota
	rwReading
	rwPendingWrite
	rwWriting
)

// ReaderWriterLock is a single state machine governing all reader and
// writer acquisition, writer-preferring for fairness: once a writer is
// queued, new readers park behind it until every writer queued at or
// before they arrived has either acquired or been cancelled, at which
// point the parked readers are batch-activated together.
//
// Grounded on the corpus's writer-preferring spin RWLock (same fairness
// intent — "prevents reader starvation" per its own doc comment) but
// re-architected from a single CAS'd state word into three linked waiter
// lists: a state word alone cannot represent "N readers queued behind a
// cancellable pending writer" or support cancel-driven hand-offs.
//
// Zero-value usable; starts Idle.
type ReaderWriterLock struct {
	_    noCopy
	gate monitorGate

	phase rwPhase
	_     [opt.CacheLineSize_]byte // avoid false sharing with the waiter lists below

	reading            *waiter
	pendingWriters     *waiter
	pendingWritersTail *waiter
	pendingReaders     *waiter
	pendingReadersTail *waiter
}

// WaitForRead suspends until a read lock is acquired or ctx is done.
func (l *ReaderWriterLock) WaitForRead(ctx context.Context) (*ReleaseHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledErr(ctx)
	}

	w := newWaiter()
	l.gate.Lock()
	activateNow := false
	switch l.phase {
	case rwIdle:
		w.next = l.reading
		l.reading = w
		l.phase = rwReading
		activateNow = true
	case rwReading:
		w.next = l.reading
		l.reading = w
		activateNow = true
	default: // rwPendingWrite, rwWriting
		l.appendPendingReader(w)
	}
	l.gate.Unlock()

	if activateNow {
		w.activate()
	}

	if err := awaitWithCancel(ctx, w, func() { l.handleReaderCancelled(w) }); err != nil {
		return nil, err
	}
	return newReleaseHandle(func() { l.releaseReader(w) }), nil
}

// WaitForWrite suspends until a write lock is acquired or ctx is done.
func (l *ReaderWriterLock) WaitForWrite(ctx context.Context) (*ReleaseHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledErr(ctx)
	}

	w := newWaiter()
	l.gate.Lock()
	activateNow := false
	switch l.phase {
	case rwIdle:
		l.appendPendingWriter(w)
		l.phase = rwWriting
		activateNow = true
	case rwReading:
		l.appendPendingWriter(w)
		l.phase = rwPendingWrite
	default: // rwPendingWrite, rwWriting
		l.appendPendingWriter(w)
	}
	l.gate.Unlock()

	if activateNow {
		w.activate()
	}

	if err := awaitWithCancel(ctx, w, func() { l.handleWriterCancelled(w) }); err != nil {
		return nil, err
	}
	return newReleaseHandle(func() { l.releaseWriter(w) }), nil
}

// TryEnterRead succeeds only in Idle or Reading, never stealing ahead of a
// pending or active writer.
func (l *ReaderWriterLock) TryEnterRead() (*ReleaseHandle, bool) {
	l.gate.Lock()
	defer l.gate.Unlock()
	switch l.phase {
	case rwIdle, rwReading:
		w := newWaiter()
		w.activate()
		w.next = l.reading
		l.reading = w
		l.phase = rwReading
		return newReleaseHandle(func() { l.releaseReader(w) }), true
	default:
		return nil, false
	}
}

// TryEnterWrite succeeds only in Idle.
func (l *ReaderWriterLock) TryEnterWrite() (*ReleaseHandle, bool) {
	l.gate.Lock()
	defer l.gate.Unlock()
	if l.phase != rwIdle {
		return nil, false
	}
	w := newWaiter()
	w.activate()
	l.appendPendingWriter(w)
	l.phase = rwWriting
	return newReleaseHandle(func() { l.releaseWriter(w) }), true
}

func (l *ReaderWriterLock) appendPendingWriter(w *waiter) {
	if l.pendingWritersTail == nil {
		l.pendingWriters = w
		l.pendingWritersTail = w
	} else {
		l.pendingWritersTail.next = w
		l.pendingWritersTail = w
	}
}

func (l *ReaderWriterLock) appendPendingReader(w *waiter) {
	if l.pendingReadersTail == nil {
		l.pendingReaders = w
		l.pendingReadersTail = w
	} else {
		l.pendingReadersTail.next = w
		l.pendingReadersTail = w
	}
}

// releaseReader removes w from the reading list. If this emptied it: in
// PendingWrite, activate the head pending writer and move to Writing; in
// Reading, move to Idle.
func (l *ReaderWriterLock) releaseReader(w *waiter) {
	l.gate.Lock()
	l.reading = unlinkFrom(l.reading, w)
	emptied := l.reading == nil
	var toActivate *waiter
	if emptied {
		switch l.phase {
		case rwPendingWrite:
			toActivate = l.pendingWriters
			l.phase = rwWriting
		case rwReading:
			l.phase = rwIdle
		}
	}
	l.gate.Unlock()

	if toActivate != nil {
		toActivate.activate()
	}
}

// releaseWriter runs the post-writer-release transition: hand off to the
// next queued writer, or merge parked readers back into the reading set.
func (l *ReaderWriterLock) releaseWriter(w *waiter) {
	nextWriter, mergedReaders := l.dequeueWriterAndTransition(w)
	if mergedReaders != nil {
		activateAll(mergedReaders)
	} else if nextWriter != nil {
		nextWriter.activate()
	}
}

// dequeueWriterAndTransition removes w (the head) from pendingWriters and
// applies the post-writer-departure transition table. It returns either
// the single next writer to activate, or the head of a batch of readers
// that were merged into `reading`: cancelling or releasing the pending
// writer must not strand readers that arrived after it.
func (l *ReaderWriterLock) dequeueWriterAndTransition(w *waiter) (nextWriter *waiter, mergedReaders *waiter) {
	l.gate.Lock()
	defer l.gate.Unlock()

	l.pendingWriters = unlinkFrom(l.pendingWriters, w)
	if l.pendingWriters == nil {
		l.pendingWritersTail = nil
	} else {
		t := l.pendingWriters
		for t.next != nil {
			t = t.next
		}
		l.pendingWritersTail = t
	}

	switch l.phase {
	case rwWriting:
		if l.pendingWriters != nil {
			nextWriter = l.pendingWriters
		} else if l.pendingReaders != nil {
			mergedReaders = l.pendingReaders
			l.reading = l.pendingReaders
			l.pendingReaders = nil
			l.pendingReadersTail = nil
			l.phase = rwReading
		} else {
			l.phase = rwIdle
		}
	case rwPendingWrite:
		if l.pendingWriters == nil {
			mergedReaders = l.pendingReaders
			if l.reading == nil {
				l.reading = mergedReaders
			} else {
				t := l.reading
				for t.next != nil {
					t = t.next
				}
				t.next = mergedReaders
			}
			l.pendingReaders = nil
			l.pendingReadersTail = nil
			l.phase = rwReading
		}
		// else: another writer is now the head; stay PendingWrite, nothing
		// to activate here (releaseReader activates that writer once the
		// last active reader leaves).
	}
	return nextWriter, mergedReaders
}

// handleReaderCancelled removes w from pendingReaders, or — if w had
// already been promoted into `reading` by a racing release/merge before
// the cancellation was observed — treats it as a normal reader release.
func (l *ReaderWriterLock) handleReaderCancelled(w *waiter) {
	l.gate.Lock()
	if containsWaiter(l.pendingReaders, w) {
		l.pendingReaders = unlinkFrom(l.pendingReaders, w)
		l.pendingReadersTail = nil
		for t := l.pendingReaders; t != nil; t = t.next {
			l.pendingReadersTail = t
		}
		l.gate.Unlock()
		return
	}
	l.gate.Unlock()
	l.releaseReader(w)
}

// handleWriterCancelled unlinks w from pendingWriters. If w was the head,
// the cancellation is structurally identical to a writer release: the
// same transition table hands off to the next writer or merges parked
// readers.
func (l *ReaderWriterLock) handleWriterCancelled(w *waiter) {
	l.gate.Lock()
	if l.pendingWriters != w {
		l.pendingWriters = unlinkFrom(l.pendingWriters, w)
		l.pendingWritersTail = nil
		for t := l.pendingWriters; t != nil; t = t.next {
			l.pendingWritersTail = t
		}
		l.gate.Unlock()
		return
	}
	l.gate.Unlock()
	l.releaseWriter(w)
}

// unlinkFrom removes target from a singly linked list headed by head and
// returns the new head.
func unlinkFrom(head *waiter, target *waiter) *waiter {
	if head == nil {
		return nil
	}
	if head == target {
		next := head.next
		head.next = nil
		return next
	}
	prev := head
	for prev.next != nil && prev.next != target {
		prev = prev.next
	}
	if prev.next == target {
		prev.next = target.next
		target.next = nil
	}
	return head
}

func containsWaiter(head *waiter, target *waiter) bool {
	for n := head; n != nil; n = n.next {
		if n == target {
			return true
		}
	}
	return false
}

func activateAll(head *waiter) {
	for n := head; n != nil; {
		next := n.next
		n.activate()
		n = next
	}
}
