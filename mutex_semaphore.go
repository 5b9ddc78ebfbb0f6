package corolock

import "context"

// SemaphoreMutex is the Semaphore Mutex variant: it replaces the FIFO +
// inner gate entirely with a counting Semaphore of capacity 1, delegating
// all waiter discipline (and fairness) to it.
type SemaphoreMutex struct {
	sem Semaphore
}

// NewSemaphoreMutex creates a SemaphoreMutex, initially unlocked.
func NewSemaphoreMutex() *SemaphoreMutex {
	return &SemaphoreMutex{sem: Semaphore{permits: 1}}
}

// Lock suspends until the mutex is acquired or ctx is done.
func (m *SemaphoreMutex) Lock(ctx context.Context) (*ReleaseHandle, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return newReleaseHandle(func() { m.sem.Release(1) }), nil
}

// TryLock attempts a zero-timeout acquire of the underlying semaphore.
func (m *SemaphoreMutex) TryLock() (*ReleaseHandle, bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	return newReleaseHandle(func() { m.sem.Release(1) }), true
}
