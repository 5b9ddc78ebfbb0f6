//go:build !corolock_cachelinesize_32 && !corolock_cachelinesize_64 && !corolock_cachelinesize_128 && !corolock_cachelinesize_256

package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used in structure padding to prevent false sharing
// between hot, frequently-CAS'd fields (mutex/rwlock state words).
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
