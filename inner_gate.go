package corolock

import (
	"sync"
	"sync/atomic"

	"github.com/corolock/corolock/internal/opt"
)

// innerGate is the short critical section a FIFO mutex variant uses to
// protect its own waiter queue. SpinMutex and MonitorMutex differ *only* in
// this gate's implementation; the lock/unlock/tryLock logic against the
// FIFO itself is shared (see mutex.go).
//
// Adapted from the corpus's standalone Gate (open/closeable door with a
// double-buffered runtime semaphore): that primitive's public "door" API
// has no caller here, but its CAS-state-word discipline is exactly the
// shape needed for a minimal spinning mutex, so it was narrowed into this
// internal Lock/Unlock gate instead of kept verbatim.
type innerGate interface {
	Lock()
	Unlock()
}

// spinGate is a test-and-set CAS loop with escalating backoff (spin, then
// sleep), so waiting for the gate never monopolises a worker. Backs
// SpinMutex. Grounded on the corpus's TicketLock/BitLock CAS-loop style.
type spinGate struct {
	_      noCopy
	locked atomic.Uint32
	_      [opt.CacheLineSize_]byte // avoid false sharing with neighboring fields
}

func (g *spinGate) Lock() {
	var spins int
	for !g.locked.CompareAndSwap(0, 1) {
		delay(&spins)
	}
}

func (g *spinGate) Unlock() {
	g.locked.Store(0)
}

// monitorGate delegates the inner gate to a native OS-backed mutex: the
// Monitor mutex variant's defining trait. Backs MonitorMutex and the FIFO
// lists inside ReaderWriterLock, Semaphore and MessageRouter.
type monitorGate struct {
	mu sync.Mutex
}

func (g *monitorGate) Lock()   { g.mu.Lock() }
func (g *monitorGate) Unlock() { g.mu.Unlock() }
