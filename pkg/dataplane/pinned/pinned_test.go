package pinned

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cilium/ebpf"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
)

func TestValueLayouts(t *testing.T) {
	for _, spec := range wantMaps {
		var size int
		switch spec.name {
		case MapFIB:
			size = binary.Size(FibValue{})
		case MapState:
			size = binary.Size(StateValue{})
		case MapShadow:
			size = binary.Size(uint32(0))
		}
		if uint32(size) != spec.valueSize {
			t.Errorf("%s value is %d bytes, map expects %d", spec.name, size, spec.valueSize)
		}
	}
}

func TestRegisteredAsEBPF(t *testing.T) {
	dp, err := dataplane.NewDataPlane(dataplane.TypeEBPF, dataplane.Options{PinDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if dp.Type() != dataplane.TypeEBPF {
		t.Fatalf("type = %s", dp.Type())
	}
}

func TestNotLoaded(t *testing.T) {
	m := New(dataplane.Options{PinDir: t.TempDir()})
	if err := m.Load(); err == nil {
		t.Fatal("Load from empty pin dir succeeded")
	}
	if m.IsLoaded() {
		t.Fatal("IsLoaded after failed Load")
	}
	if err := m.SetForwarding(1, fib.Entry{Ifindex: 2}); !errors.Is(err, dataplane.ErrNotLoaded) {
		t.Fatalf("SetForwarding: %v", err)
	}
	if _, err := m.ReadState(1); !errors.Is(err, dataplane.ErrNotLoaded) {
		t.Fatalf("ReadState: %v", err)
	}
	if err := m.SetForwarding(fib.MaxEntries, fib.Entry{Ifindex: 2}); !errors.Is(err, fib.ErrIndexRange) {
		t.Fatalf("out of range: %v", err)
	}
	if _, err := m.Dispatch(dataplane.HookRedirect, hooks.Packet{}); !errors.Is(err, dataplane.ErrUnsupported) {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(m.GetMapStats()) != 0 {
		t.Fatal("map stats without maps")
	}
}

// newTestMaps creates unpinned maps with the kernel layouts. It needs
// CAP_BPF; the test is skipped without it.
func newTestMaps(t *testing.T) map[string]*ebpf.Map {
	t.Helper()
	specs := map[string]*ebpf.MapSpec{
		MapFIB:    {Type: ebpf.Array, KeySize: 4, ValueSize: 16, MaxEntries: fib.MaxEntries},
		MapState:  {Type: ebpf.Hash, KeySize: 4, ValueSize: 56, MaxEntries: hooks.StateMaxEntries},
		MapShadow: {Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: hooks.ShadowMaxEntries},
	}
	maps := make(map[string]*ebpf.Map)
	for name, spec := range specs {
		mp, err := ebpf.NewMap(spec)
		if err != nil {
			for _, m := range maps {
				m.Close()
			}
			t.Skipf("cannot create BPF maps: %v", err)
		}
		maps[name] = mp
	}
	return maps
}

func TestForwardingRoundTrip(t *testing.T) {
	m := New(dataplane.Options{})
	m.setMaps(newTestMaps(t))
	defer m.Close()

	e := fib.Entry{Ifindex: 5, HDest: [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}, HSource: [6]byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}}
	if err := m.SetForwarding(3, e); err != nil {
		t.Fatal(err)
	}
	var got []fib.Entry
	if err := m.IterateForwarding(func(iif uint32, fe fib.Entry) bool {
		if iif != 3 {
			t.Errorf("unexpected slot %d", iif)
		}
		got = append(got, fe)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != e {
		t.Fatalf("entries = %v", got)
	}

	if err := m.DeleteForwarding(3); err != nil {
		t.Fatal(err)
	}
	n := 0
	_ = m.IterateForwarding(func(uint32, fib.Entry) bool { n++; return true })
	if n != 0 {
		t.Fatalf("%d entries after delete", n)
	}
}

func TestShadowIteration(t *testing.T) {
	maps := newTestMaps(t)
	m := New(dataplane.Options{})
	m.setMaps(maps)
	defer m.Close()

	for k, v := range map[uint32]uint32{2: 1, 3: 4} {
		if err := maps[MapShadow].Put(k, v); err != nil {
			t.Fatal(err)
		}
	}
	var total uint32
	if err := m.IterateShadow(func(_, hits uint32) bool {
		total += hits
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("total hits = %d", total)
	}

	for _, s := range m.GetMapStats() {
		if s.Name == MapShadow && s.UsedCount != 2 {
			t.Fatalf("shadow used = %d", s.UsedCount)
		}
		if s.Name == MapFIB && s.UsedCount != fib.MaxEntries {
			t.Fatalf("fib used = %d", s.UsedCount)
		}
	}
}
