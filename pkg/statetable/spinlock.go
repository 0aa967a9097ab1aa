package statetable

import (
	"runtime"
	"sync/atomic"
)

// spinYield is how many failed acquire attempts pass before the spinner
// yields its processor to the goroutine holding the lock.
const spinYield = 64

// SpinLock is a busy-wait mutual exclusion lock for critical sections that
// touch a few words of memory. It never parks the caller. Holders must not
// log, allocate or call out while the lock is held.
type SpinLock struct {
	v atomic.Uint32
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for i := 1; !l.v.CompareAndSwap(0, 1); i++ {
		if i%spinYield == 0 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.v.Store(0)
}
