package statetable

import (
	"errors"
	"sync/atomic"
)

// HitCounter is a shadow table value.
type HitCounter struct {
	hits atomic.Uint32
}

// Hits returns the hit count.
func (h *HitCounter) Hits() uint32 { return h.hits.Load() }

// Shadow is a best-effort introspection table keyed by counter mod
// capacity. It is written independently of any element lock.
type Shadow struct {
	tbl *Table[uint32, HitCounter]
}

// NewShadow creates a shadow table with maxEntries slots.
func NewShadow(maxEntries int) *Shadow {
	return &Shadow{tbl: New[uint32, HitCounter](maxEntries)}
}

// Key maps a counter value onto a shadow slot.
func (s *Shadow) Key(counter uint64) uint32 {
	return uint32(counter % uint64(s.tbl.MaxEntries()))
}

// Hit records one hit for the slot of counter. A concurrent first insert of
// the same slot is resolved by incrementing the winner's entry, so no hit
// is lost.
func (s *Shadow) Hit(counter uint64) error {
	key := s.Key(counter)
	if v := s.tbl.Lookup(key); v != nil {
		v.hits.Add(1)
		return nil
	}
	err := s.tbl.Update(key, UpdateNoExist, func(v *HitCounter) {
		v.hits.Store(1)
	})
	if !errors.Is(err, ErrKeyExist) {
		return err
	}
	if v := s.tbl.Lookup(key); v != nil {
		v.hits.Add(1)
		return nil
	}
	return ErrKeyNotExist
}

// Lookup returns the hit count for key.
func (s *Shadow) Lookup(key uint32) (uint32, bool) {
	v := s.tbl.Lookup(key)
	if v == nil {
		return 0, false
	}
	return v.Hits(), true
}

// Iterate visits every populated slot.
func (s *Shadow) Iterate(fn func(key, hits uint32) bool) {
	s.tbl.Iterate(func(k uint32, v *HitCounter) bool {
		return fn(k, v.Hits())
	})
}

// Total sums the hit counts of all slots.
func (s *Shadow) Total() uint64 {
	var total uint64
	s.Iterate(func(_, hits uint32) bool {
		total += uint64(hits)
		return true
	})
	return total
}

// Len returns the number of populated slots.
func (s *Shadow) Len() int { return s.tbl.Len() }

// MaxEntries returns the slot count.
func (s *Shadow) MaxEntries() int { return s.tbl.MaxEntries() }
