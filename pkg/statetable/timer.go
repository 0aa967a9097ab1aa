package statetable

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock identifies the clock a Timer stamps its expirations with.
type Clock int32

const (
	ClockRealtime  Clock = unix.CLOCK_REALTIME
	ClockMonotonic Clock = unix.CLOCK_MONOTONIC
	ClockBoottime  Clock = unix.CLOCK_BOOTTIME
)

func (c Clock) String() string {
	switch c {
	case ClockRealtime:
		return "realtime"
	case ClockMonotonic:
		return "monotonic"
	case ClockBoottime:
		return "boottime"
	default:
		return fmt.Sprintf("clock(%d)", int32(c))
	}
}

func (c Clock) valid() bool {
	return c == ClockRealtime || c == ClockMonotonic || c == ClockBoottime
}

// Now reads the clock.
func (c Clock) Now() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(c), &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime(%s): %w", c, err)
	}
	return time.Duration(ts.Nano()), nil
}

var (
	// ErrTimerNotInit is returned by Start and SetCallback before Init and
	// SetCallback have both been published. On the packet path this only
	// happens while a concurrent creator is still setting the timer up.
	ErrTimerNotInit = errors.New("timer not initialized")
	ErrTimerBusy    = errors.New("timer already initialized")
	ErrInvalidClock = errors.New("invalid timer clock")
	ErrTimerClosed  = errors.New("timer released")
)

type timerCore struct {
	clock Clock

	lock    SpinLock // guards the fields below
	cb      func()
	t       *time.Timer
	due     time.Time // expiry set by the latest Start
	pending bool
	closed  bool

	fires    atomic.Uint64
	lastFire atomic.Int64 // clock reading of the last expiry, ns
}

// Timer is a one-shot callback timer embedded in a state element. The
// zero value is uninitialized; Init must run once, then SetCallback, before
// Start succeeds. The callback runs on its own goroutine, outside any
// packet context.
type Timer struct {
	core atomic.Pointer[timerCore]
}

// Init binds the timer to a clock. It fails with ErrTimerBusy if the timer
// was already initialized.
func (t *Timer) Init(clock Clock) error {
	if !clock.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClock, int32(clock))
	}
	if !t.core.CompareAndSwap(nil, &timerCore{clock: clock}) {
		return ErrTimerBusy
	}
	return nil
}

// SetCallback installs fn as the expiry callback.
func (t *Timer) SetCallback(fn func()) error {
	c := t.core.Load()
	if c == nil {
		return ErrTimerNotInit
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrTimerClosed
	}
	c.cb = fn
	return nil
}

// Start arms the timer to fire once after d. Starting a timer that is
// already pending moves its expiry to now+d.
func (t *Timer) Start(d time.Duration) error {
	c := t.core.Load()
	if c == nil {
		return ErrTimerNotInit
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	switch {
	case c.closed:
		return ErrTimerClosed
	case c.cb == nil:
		return ErrTimerNotInit
	}
	c.due = time.Now().Add(d)
	if c.t == nil {
		c.t = time.AfterFunc(d, c.fire)
	} else {
		c.t.Reset(d)
	}
	c.pending = true
	return nil
}

// Cancel stops a pending expiry. A callback already running is not
// interrupted.
func (t *Timer) Cancel() error {
	c := t.core.Load()
	if c == nil {
		return ErrTimerNotInit
	}
	c.lock.Lock()
	if c.t != nil {
		c.t.Stop()
	}
	c.pending = false
	c.lock.Unlock()
	return nil
}

// release cancels the timer and drops its callback for good.
func (t *Timer) release() {
	c := t.core.Load()
	if c == nil {
		return
	}
	c.lock.Lock()
	if c.t != nil {
		c.t.Stop()
	}
	c.pending = false
	c.closed = true
	c.cb = nil
	c.lock.Unlock()
}

// Initialized reports whether Init has been published.
func (t *Timer) Initialized() bool { return t.core.Load() != nil }

// Pending reports whether an expiry is scheduled.
func (t *Timer) Pending() bool {
	c := t.core.Load()
	if c == nil {
		return false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending
}

// Fires returns how many times the callback has run.
func (t *Timer) Fires() uint64 {
	if c := t.core.Load(); c != nil {
		return c.fires.Load()
	}
	return 0
}

// LastFire returns the clock reading taken at the most recent expiry.
func (t *Timer) LastFire() time.Duration {
	if c := t.core.Load(); c != nil {
		return time.Duration(c.lastFire.Load())
	}
	return 0
}

// fire runs an expiry. One that fires before the latest Start's due time
// was superseded by that Start: it still runs the callback but the timer
// stays pending.
func (c *timerCore) fire() {
	c.lock.Lock()
	cb := c.cb
	if !time.Now().Before(c.due) {
		c.pending = false
	}
	c.lock.Unlock()
	if cb == nil {
		return
	}
	if now, err := c.clock.Now(); err == nil {
		c.lastFire.Store(int64(now))
	}
	c.fires.Add(1)
	cb()
}
