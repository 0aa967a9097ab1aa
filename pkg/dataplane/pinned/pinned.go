// Package pinned is the "ebpf" dataplane backend. It does not load or
// attach programs; it opens the maps an already loaded kernel program
// pinned in bpffs and provisions and inspects them.
package pinned

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
)

func init() {
	dataplane.RegisterBackend(dataplane.TypeEBPF, func(opts dataplane.Options) dataplane.DataPlane {
		return New(opts)
	})
}

// DefaultPinDir is used when Options.PinDir is empty.
const DefaultPinDir = "/sys/fs/bpf/snf"

// Pinned map names.
const (
	MapFIB    = "fibtable"
	MapState  = "hmap"
	MapShadow = "test_hmap"
)

// FibValue mirrors the kernel forwarding entry.
type FibValue struct {
	Ifindex uint32
	HDest   [6]byte
	HSource [6]byte
}

// StateValue mirrors the kernel state element. Timer and Lock are opaque
// kernel objects; the lock is honoured through LookupLock.
type StateValue struct {
	Init    uint64
	Counter uint64
	A       uint64
	B       uint64
	Timer   [16]byte
	Lock    uint32
	Pad0    uint32
}

type mapSpec struct {
	name      string
	keySize   uint32
	valueSize uint32
}

var wantMaps = []mapSpec{
	{MapFIB, 4, 16},
	{MapState, 4, 56},
	{MapShadow, 4, 4},
}

// Compile-time assertion that Manager implements DataPlane.
var _ dataplane.DataPlane = (*Manager)(nil)

// Manager is the pinned-map dataplane.
type Manager struct {
	pinDir string

	mu     sync.RWMutex
	loaded bool
	maps   map[string]*ebpf.Map
}

// New creates a pinned-map Manager.
func New(opts dataplane.Options) *Manager {
	dir := opts.PinDir
	if dir == "" {
		dir = DefaultPinDir
	}
	return &Manager{pinDir: dir, maps: make(map[string]*ebpf.Map)}
}

func (m *Manager) Type() string { return dataplane.TypeEBPF }

// Load opens the pinned maps and checks their layout.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		slog.Warn("remove memlock rlimit", "err", err)
	}

	maps := make(map[string]*ebpf.Map, len(wantMaps))
	for _, spec := range wantMaps {
		path := filepath.Join(m.pinDir, spec.name)
		mp, err := ebpf.LoadPinnedMap(path, nil)
		if err == nil {
			err = checkLayout(mp, spec)
		}
		if err != nil {
			if mp != nil {
				mp.Close()
			}
			for _, open := range maps {
				open.Close()
			}
			return fmt.Errorf("pinned map %s: %w", path, err)
		}
		maps[spec.name] = mp
	}
	m.setMaps(maps)
	slog.Info("pinned maps opened", "dir", m.pinDir)
	return nil
}

func (m *Manager) setMaps(maps map[string]*ebpf.Map) {
	m.maps = maps
	m.loaded = true
}

func checkLayout(mp *ebpf.Map, spec mapSpec) error {
	if mp.KeySize() != spec.keySize || mp.ValueSize() != spec.valueSize {
		return fmt.Errorf("layout %d/%d bytes, want %d/%d",
			mp.KeySize(), mp.ValueSize(), spec.keySize, spec.valueSize)
	}
	return nil
}

// IsLoaded returns true once the maps are open.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Close closes the map file descriptors. The pins stay in place.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, mp := range m.maps {
		if err := mp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	m.maps = make(map[string]*ebpf.Map)
	m.loaded = false
	return errors.Join(errs...)
}

func (m *Manager) mapByName(name string) (*ebpf.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, dataplane.ErrNotLoaded
	}
	mp, ok := m.maps[name]
	if !ok {
		return nil, fmt.Errorf("%s map not found", name)
	}
	return mp, nil
}

// Dispatch is not available: the kernel runs the hooks.
func (m *Manager) Dispatch(name string, _ hooks.Packet) (hooks.Verdict, error) {
	return hooks.Verdict{}, fmt.Errorf("dispatch %q: %w", name, dataplane.ErrUnsupported)
}

func (m *Manager) Hooks() []string { return nil }

func (m *Manager) HookStats() map[string]hooks.Stats { return map[string]hooks.Stats{} }

// SetForwarding writes the fibtable slot for iif.
func (m *Manager) SetForwarding(iif uint32, e fib.Entry) error {
	if iif >= fib.MaxEntries {
		return fmt.Errorf("%w: %d", fib.ErrIndexRange, iif)
	}
	if e.Ifindex == 0 {
		return fmt.Errorf("forwarding entry for iif %d: egress ifindex must be non-zero", iif)
	}
	fm, err := m.mapByName(MapFIB)
	if err != nil {
		return err
	}
	val := FibValue{Ifindex: e.Ifindex, HDest: e.HDest, HSource: e.HSource}
	if err := fm.Update(iif, val, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update %s[%d]: %w", MapFIB, iif, err)
	}
	return nil
}

// DeleteForwarding zeroes the fibtable slot for iif; array slots cannot be
// removed.
func (m *Manager) DeleteForwarding(iif uint32) error {
	if iif >= fib.MaxEntries {
		return fmt.Errorf("%w: %d", fib.ErrIndexRange, iif)
	}
	fm, err := m.mapByName(MapFIB)
	if err != nil {
		return err
	}
	if err := fm.Update(iif, FibValue{}, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("clear %s[%d]: %w", MapFIB, iif, err)
	}
	return nil
}

// IterateForwarding visits slots with a non-zero egress ifindex.
func (m *Manager) IterateForwarding(fn func(uint32, fib.Entry) bool) error {
	fm, err := m.mapByName(MapFIB)
	if err != nil {
		return err
	}
	var val FibValue
	for iif := uint32(0); iif < fib.MaxEntries; iif++ {
		if err := fm.Lookup(iif, &val); err != nil {
			return fmt.Errorf("lookup %s[%d]: %w", MapFIB, iif, err)
		}
		if val.Ifindex == 0 {
			continue
		}
		if !fn(iif, fib.Entry{Ifindex: val.Ifindex, HDest: val.HDest, HSource: val.HSource}) {
			return nil
		}
	}
	return nil
}

// stateInfo leaves the timer fields unset: the kernel masks bpf_timer and
// bpf_spin_lock out of values copied to user space.
func stateInfo(key uint32, v StateValue) dataplane.StateInfo {
	return dataplane.StateInfo{
		Key:         key,
		Initialized: v.Init != 0,
		Counter:     v.Counter,
		A:           v.A,
		B:           v.B,
	}
}

// ReadState reads one element under its spin lock.
func (m *Manager) ReadState(key uint32) (dataplane.StateInfo, error) {
	sm, err := m.mapByName(MapState)
	if err != nil {
		return dataplane.StateInfo{}, err
	}
	var val StateValue
	if err := sm.LookupWithFlags(key, &val, ebpf.LookupLock); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return dataplane.StateInfo{}, fmt.Errorf("%w for key %d", dataplane.ErrNoState, key)
		}
		return dataplane.StateInfo{}, fmt.Errorf("lookup %s[%d]: %w", MapState, key, err)
	}
	return stateInfo(key, val), nil
}

// IterateStates walks the keys and reads each element under its lock.
func (m *Manager) IterateStates(fn func(dataplane.StateInfo) bool) error {
	sm, err := m.mapByName(MapState)
	if err != nil {
		return err
	}
	var keys []uint32
	var key uint32
	var raw StateValue
	iter := sm.Iterate()
	for iter.Next(&key, &raw) {
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", MapState, err)
	}
	for _, k := range keys {
		st, err := m.ReadState(k)
		if errors.Is(err, dataplane.ErrNoState) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(st) {
			return nil
		}
	}
	return nil
}

// IterateShadow visits every test_hmap slot.
func (m *Manager) IterateShadow(fn func(key, hits uint32) bool) error {
	hm, err := m.mapByName(MapShadow)
	if err != nil {
		return err
	}
	var key, hits uint32
	iter := hm.Iterate()
	for iter.Next(&key, &hits) {
		if !fn(key, hits) {
			break
		}
	}
	return iter.Err()
}

// LastReport is nil: kernel timer reports go to the trace pipe.
func (m *Manager) LastReport() *hooks.Report { return nil }

// GetMapStats returns occupancy of the pinned maps.
func (m *Manager) GetMapStats() []dataplane.MapStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats []dataplane.MapStats
	for _, spec := range wantMaps {
		mp, ok := m.maps[spec.name]
		if !ok {
			continue
		}
		s := dataplane.MapStats{
			Name:       spec.name,
			Type:       mp.Type().String(),
			MaxEntries: mp.MaxEntries(),
		}
		if mp.Type() == ebpf.Array {
			s.UsedCount = mp.MaxEntries()
		} else {
			var count uint32
			var k uint32
			val := make([]byte, spec.valueSize)
			iter := mp.Iterate()
			for iter.Next(&k, val) {
				count++
			}
			s.UsedCount = count
		}
		stats = append(stats, s)
	}
	return stats
}
