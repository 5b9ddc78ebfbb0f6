package corolock

import "context"

// gatePtr constrains G's pointer type to satisfy innerGate, so fifoMutex
// can be zero-value usable (like sync.Mutex) while still sharing its FIFO
// logic across gate implementations — the one axis the Mutex variants are
// allowed to differ on.
type gatePtr[G any] interface {
	*G
	innerGate
}

// fifoMutex is the FIFO acquire/release/cancel logic shared by SpinMutex
// and MonitorMutex. G is the concrete gate type protecting head/tail; PG is
// its pointer type, which is the one that actually implements Lock/Unlock.
type fifoMutex[G any, PG gatePtr[G]] struct {
	_    noCopy
	gate G
	head *waiter
	tail *waiter
}

func (m *fifoMutex[G, PG]) g() PG { return PG(&m.gate) }

// lock suspends until the FIFO's previous holder releases or ctx fires.
func (m *fifoMutex[G, PG]) lock(ctx context.Context) (*ReleaseHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledErr(ctx)
	}

	w := newWaiter()
	g := m.g()
	g.Lock()
	sole := m.head == nil
	if sole {
		m.head, m.tail = w, w
	} else {
		m.tail.next = w
		m.tail = w
	}
	g.Unlock()

	if sole {
		w.activate()
	}

	if err := awaitWithCancel(ctx, w, func() { m.handleCancelled(w) }); err != nil {
		return nil, err
	}
	return newReleaseHandle(m.release), nil
}

// tryLock never steals ahead of an existing waiter: it fails whenever the
// FIFO is non-empty, even if the head waiter is about to be activated.
func (m *fifoMutex[G, PG]) tryLock() (*ReleaseHandle, bool) {
	g := m.g()
	g.Lock()
	defer g.Unlock()
	if m.head != nil {
		return nil, false
	}
	w := newWaiter()
	w.activate()
	m.head, m.tail = w, w
	return newReleaseHandle(m.release), true
}

// release removes the head waiter and, if another is queued, activates it.
func (m *fifoMutex[G, PG]) release() {
	g := m.g()
	g.Lock()
	old := m.head
	if old == nil {
		g.Unlock()
		invariant("mutex release with empty FIFO")
	}
	m.head = old.next
	old.next = nil
	if m.head == nil {
		m.tail = nil
	}
	newHead := m.head
	g.Unlock()

	if newHead != nil {
		newHead.activate()
	}
}

// handleCancelled unlinks w from the FIFO. If w was the head — made head by
// a release (or by its own lock call) but cancelled before its activation
// landed — ownership is handed off to the new head instead of being
// stranded.
func (m *fifoMutex[G, PG]) handleCancelled(w *waiter) {
	g := m.g()
	g.Lock()
	wasHead := m.head == w
	m.unlink(w)
	var newHead *waiter
	if wasHead {
		newHead = m.head
	}
	g.Unlock()

	if newHead != nil {
		newHead.activate()
	}
}

func (m *fifoMutex[G, PG]) unlink(w *waiter) {
	if m.head == w {
		m.head = w.next
		if m.head == nil {
			m.tail = nil
		}
		w.next = nil
		return
	}
	prev := m.head
	for prev != nil && prev.next != w {
		prev = prev.next
	}
	if prev == nil {
		return // already unlinked (double cancel raced release)
	}
	prev.next = w.next
	if m.tail == w {
		m.tail = prev
	}
	w.next = nil
}

// SpinMutex is the Spin-CAS Mutex variant: its inner gate is a
// backoff-spinning CAS loop (spinGate): waiting for the gate busy-spins
// briefly, then sleeps in short intervals, instead of parking on a native
// mutex — appropriate for very short critical sections under moderate
// contention.
type SpinMutex struct {
	core fifoMutex[spinGate, *spinGate]
}

// Lock suspends until the mutex is acquired or ctx is done.
func (m *SpinMutex) Lock(ctx context.Context) (*ReleaseHandle, error) {
	return m.core.lock(ctx)
}

// TryLock attempts to acquire the mutex without suspending.
func (m *SpinMutex) TryLock() (*ReleaseHandle, bool) {
	return m.core.tryLock()
}

// MonitorMutex is the Monitor Mutex variant: its inner gate is a native
// sync.Mutex, appropriate when critical sections protecting the FIFO may
// be held slightly longer or contention is high enough that OS-level
// parking beats spinning.
type MonitorMutex struct {
	core fifoMutex[monitorGate, *monitorGate]
}

// Lock suspends until the mutex is acquired or ctx is done.
func (m *MonitorMutex) Lock(ctx context.Context) (*ReleaseHandle, error) {
	return m.core.lock(ctx)
}

// TryLock attempts to acquire the mutex without suspending.
func (m *MonitorMutex) TryLock() (*ReleaseHandle, bool) {
	return m.core.tryLock()
}
