package dataplane

import (
	"fmt"

	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/statetable"
)

// SetForwarding writes the forwarding entry for an ingress interface.
func (m *Manager) SetForwarding(iif uint32, e fib.Entry) error {
	if e.Ifindex == 0 {
		return fmt.Errorf("forwarding entry for iif %d: egress ifindex must be non-zero", iif)
	}
	return m.fib.Set(iif, e)
}

// DeleteForwarding clears the forwarding entry for an ingress interface.
func (m *Manager) DeleteForwarding(iif uint32) error {
	return m.fib.Delete(iif)
}

// IterateForwarding calls fn for each provisioned forwarding entry.
func (m *Manager) IterateForwarding(fn func(uint32, fib.Entry) bool) error {
	m.fib.Iterate(fn)
	return nil
}

func (m *Manager) counter() (*hooks.CountFilter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	return m.count, nil
}

func stateInfo(key uint32, e *statetable.Element) StateInfo {
	pair := e.Snapshot()
	return StateInfo{
		Key:         key,
		Initialized: e.Initialized(),
		Counter:     e.Counter(),
		A:           pair.A,
		B:           pair.B,
		TimerInit:   e.Timer().Initialized(),
		TimerArmed:  e.Timer().Pending(),
		TimerFires:  e.Timer().Fires(),
	}
}

// ReadState returns a consistent view of the element for key.
func (m *Manager) ReadState(key uint32) (StateInfo, error) {
	cf, err := m.counter()
	if err != nil {
		return StateInfo{}, err
	}
	e := cf.States().Lookup(key)
	if e == nil {
		return StateInfo{}, fmt.Errorf("%w for key %d", ErrNoState, key)
	}
	return stateInfo(key, e), nil
}

// IterateStates calls fn for each resident state element.
func (m *Manager) IterateStates(fn func(StateInfo) bool) error {
	cf, err := m.counter()
	if err != nil {
		return err
	}
	cf.States().Iterate(func(k uint32, e *statetable.Element) bool {
		return fn(stateInfo(k, e))
	})
	return nil
}

// IterateShadow calls fn for each populated shadow slot.
func (m *Manager) IterateShadow(fn func(key, hits uint32) bool) error {
	cf, err := m.counter()
	if err != nil {
		return err
	}
	cf.Shadow().Iterate(fn)
	return nil
}

// LastReport returns the most recent timer report.
func (m *Manager) LastReport() *hooks.Report {
	cf, err := m.counter()
	if err != nil {
		return nil
	}
	return cf.LastReport()
}

// GetMapStats returns occupancy of the forwarding, state and shadow tables.
func (m *Manager) GetMapStats() []MapStats {
	stats := []MapStats{{
		Name:       "fibtable",
		Type:       "array",
		MaxEntries: fib.MaxEntries,
		UsedCount:  uint32(m.fib.Len()),
	}}
	cf, err := m.counter()
	if err != nil {
		return stats
	}
	return append(stats,
		MapStats{
			Name:       "hmap",
			Type:       "hash",
			MaxEntries: uint32(cf.States().MaxEntries()),
			UsedCount:  uint32(cf.States().Len()),
		},
		MapStats{
			Name:       "test_hmap",
			Type:       "hash",
			MaxEntries: uint32(cf.Shadow().MaxEntries()),
			UsedCount:  uint32(cf.Shadow().Len()),
		},
	)
}
