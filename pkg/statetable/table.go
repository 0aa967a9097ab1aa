// Package statetable implements the fixed-capacity keyed tables shared by
// concurrent packet contexts: a generic hash table with create-if-absent
// semantics, and the per-key state elements (init gate, atomic counter,
// spin-locked pair and reporting timer) stored in it.
package statetable

import (
	"errors"
	"hash/maphash"
	"sync/atomic"
)

// UpdateFlag selects create/replace semantics for Table.Update.
type UpdateFlag uint8

const (
	UpdateAny     UpdateFlag = iota // create or replace
	UpdateNoExist                   // create only
	UpdateExist                     // replace only
)

var (
	ErrKeyExist    = errors.New("key already exists")
	ErrKeyNotExist = errors.New("key does not exist")
	ErrFull        = errors.New("table is full")
)

type node[K comparable, V any] struct {
	key  K
	next atomic.Pointer[node[K, V]]
	val  V
}

type bucket[K comparable, V any] struct {
	lock SpinLock // serializes writers; readers never take it
	head atomic.Pointer[node[K, V]]
}

// Table is a fixed-capacity hash table. Lookups are lock-free; Update and
// Delete serialize on a per-bucket spin lock. Values are addressed by
// pointer and stay valid while their slot is resident; replacing a key
// with UpdateAny/UpdateExist moves it to a new slot, so callers that need
// the resident value after an update must look it up again.
type Table[K comparable, V any] struct {
	seed       maphash.Seed
	buckets    []bucket[K, V]
	mask       uint64
	maxEntries int
	count      atomic.Int64
}

// New creates a table holding at most maxEntries keys.
func New[K comparable, V any](maxEntries int) *Table[K, V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	n := 1
	for n < maxEntries {
		n <<= 1
	}
	return &Table[K, V]{
		seed:       maphash.MakeSeed(),
		buckets:    make([]bucket[K, V], n),
		mask:       uint64(n - 1),
		maxEntries: maxEntries,
	}
}

func (t *Table[K, V]) bucket(key K) *bucket[K, V] {
	return &t.buckets[maphash.Comparable(t.seed, key)&t.mask]
}

// MaxEntries returns the table capacity.
func (t *Table[K, V]) MaxEntries() int { return t.maxEntries }

// Len returns the number of resident keys.
func (t *Table[K, V]) Len() int { return int(t.count.Load()) }

// Lookup returns the resident value for key, or nil.
func (t *Table[K, V]) Lookup(key K) *V {
	for n := t.bucket(key).head.Load(); n != nil; n = n.next.Load() {
		if n.key == key {
			return &n.val
		}
	}
	return nil
}

// Update inserts or replaces key. fill initializes the zeroed value in its
// new slot before the slot becomes visible to readers; it runs under the
// bucket lock and must not block. The insert is atomic with respect to
// concurrent Updates of the same key: with UpdateNoExist exactly one caller
// succeeds and the others get ErrKeyExist.
func (t *Table[K, V]) Update(key K, flags UpdateFlag, fill func(*V)) error {
	b := t.bucket(key)
	b.lock.Lock()
	defer b.lock.Unlock()

	var prev, old *node[K, V]
	for n := b.head.Load(); n != nil; prev, n = n, n.next.Load() {
		if n.key == key {
			old = n
			break
		}
	}

	switch {
	case old != nil && flags == UpdateNoExist:
		return ErrKeyExist
	case old == nil && flags == UpdateExist:
		return ErrKeyNotExist
	}

	if old == nil {
		if t.count.Add(1) > int64(t.maxEntries) {
			t.count.Add(-1)
			return ErrFull
		}
	}

	nn := &node[K, V]{key: key}
	if fill != nil {
		fill(&nn.val)
	}

	if old == nil {
		nn.next.Store(b.head.Load())
		b.head.Store(nn)
		return nil
	}

	nn.next.Store(old.next.Load())
	if prev == nil {
		b.head.Store(nn)
	} else {
		prev.next.Store(nn)
	}
	return nil
}

// Delete removes key. Readers holding a pointer to the old value keep a
// valid, but no longer resident, value.
func (t *Table[K, V]) Delete(key K) error {
	b := t.bucket(key)
	b.lock.Lock()
	defer b.lock.Unlock()

	var prev *node[K, V]
	for n := b.head.Load(); n != nil; prev, n = n, n.next.Load() {
		if n.key != key {
			continue
		}
		if prev == nil {
			b.head.Store(n.next.Load())
		} else {
			prev.next.Store(n.next.Load())
		}
		t.count.Add(-1)
		return nil
	}
	return ErrKeyNotExist
}

// Iterate calls fn for every resident key until fn returns false. It is
// not a snapshot: concurrent updates may or may not be observed.
func (t *Table[K, V]) Iterate(fn func(K, *V) bool) {
	for i := range t.buckets {
		for n := t.buckets[i].head.Load(); n != nil; n = n.next.Load() {
			if !fn(n.key, &n.val) {
				return
			}
		}
	}
}
