package statetable

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Pair is the compound value updated under an element's lock.
// B is always A<<1 when observed outside the lock.
type Pair struct {
	A uint64
	B uint64
}

// Element is the per-key state record.
type Element struct {
	initialized atomic.Bool
	counter     atomic.Uint64

	lock SpinLock // protects pair
	pair Pair

	timer Timer
}

// TryInit is the one-time init gate: it sets the initialized flag and
// reports whether this caller was the one that flipped it.
func (e *Element) TryInit() bool {
	return !e.initialized.Swap(true)
}

// Initialized reports whether the init gate has been taken.
func (e *Element) Initialized() bool { return e.initialized.Load() }

// Counter returns the current counter value.
func (e *Element) Counter() uint64 { return e.counter.Load() }

// Inc atomically increments the counter and returns the new value.
func (e *Element) Inc() uint64 { return e.counter.Add(1) }

// Update advances the pair as one unit and returns a copy taken under the
// lock. Reporting the copy is left to the caller, after the lock is gone.
func (e *Element) Update() Pair {
	e.lock.Lock()
	e.pair.A++
	e.pair.B = e.pair.A << 1
	snap := e.pair
	e.lock.Unlock()
	return snap
}

// Snapshot returns a consistent copy of the pair.
func (e *Element) Snapshot() Pair {
	e.lock.Lock()
	snap := e.pair
	e.lock.Unlock()
	return snap
}

// Timer returns the element's timer.
func (e *Element) Timer() *Timer { return &e.timer }

// ErrCreate marks a failed get-or-create. The element may still be
// resident, without a working timer.
var ErrCreate = errors.New("state element create failed")

// TimerFunc is invoked when an element's timer expires.
type TimerFunc func(key uint32, e *Element)

// States is the table of state elements keyed by a small category id.
type States struct {
	tbl     *Table[uint32, Element]
	clock   Clock
	onTimer TimerFunc

	degraded atomic.Int64
}

// NewStates creates a state table of the given capacity. Element timers
// are bound to clock and run onTimer on expiry.
func NewStates(maxEntries int, clock Clock, onTimer TimerFunc) *States {
	return &States{
		tbl:     New[uint32, Element](maxEntries),
		clock:   clock,
		onTimer: onTimer,
	}
}

// GetOrCreate returns the element for key, creating it on first use.
//
// Concurrent callers for the same missing key race on an exclusive insert;
// losers fall through to the lookup and reuse the winner's element. The
// element's timer is set up by whichever caller first takes the init gate.
// If that setup fails the error wraps ErrCreate and the element stays in
// the table without a timer; it is not repaired later.
func (s *States) GetOrCreate(key uint32) (*Element, error) {
	if e := s.tbl.Lookup(key); e != nil {
		return e, nil
	}

	err := s.tbl.Update(key, UpdateNoExist, func(e *Element) {
		e.counter.Store(1)
	})
	if err != nil && !errors.Is(err, ErrKeyExist) {
		return nil, fmt.Errorf("%w: key %d: %w", ErrCreate, key, err)
	}

	e := s.tbl.Lookup(key)
	if e == nil {
		return nil, fmt.Errorf("%w: key %d vanished after insert", ErrCreate, key)
	}

	if !e.TryInit() {
		return e, nil
	}

	if err := s.initTimer(key, e); err != nil {
		s.degraded.Add(1)
		return nil, fmt.Errorf("%w: key %d: %w", ErrCreate, key, err)
	}
	return e, nil
}

func (s *States) initTimer(key uint32, e *Element) error {
	if err := e.timer.Init(s.clock); err != nil {
		return fmt.Errorf("timer init: %w", err)
	}
	cb := func() {}
	if s.onTimer != nil {
		cb = func() { s.onTimer(key, e) }
	}
	if err := e.timer.SetCallback(cb); err != nil {
		return fmt.Errorf("timer set callback: %w", err)
	}
	return nil
}

// Lookup returns the element for key without creating it.
func (s *States) Lookup(key uint32) *Element { return s.tbl.Lookup(key) }

// Iterate visits every resident element.
func (s *States) Iterate(fn func(uint32, *Element) bool) { s.tbl.Iterate(fn) }

// Len returns the number of resident elements.
func (s *States) Len() int { return s.tbl.Len() }

// MaxEntries returns the table capacity.
func (s *States) MaxEntries() int { return s.tbl.MaxEntries() }

// Degraded returns how many elements lost their timer to a failed setup.
func (s *States) Degraded() int { return int(s.degraded.Load()) }

// Close cancels every element timer. Callbacks do not run afterwards.
func (s *States) Close() {
	s.tbl.Iterate(func(_ uint32, e *Element) bool {
		e.timer.release()
		return true
	})
}
