package fib

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestTableLookup(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.Lookup(3); ok {
		t.Fatal("unprovisioned slot should miss")
	}
	e := Entry{Ifindex: 5, HDest: [6]byte{0xaa, 0, 0, 0, 0, 1}, HSource: [6]byte{0xbb, 0, 0, 0, 0, 2}}
	if err := tbl.Set(3, e); err != nil {
		t.Fatal(err)
	}
	got, ok := tbl.Lookup(3)
	if !ok || *got != e {
		t.Fatalf("Lookup(3) = %+v, %v", got, ok)
	}
	if _, ok := tbl.Lookup(MaxEntries); ok {
		t.Fatal("out of range ifindex should miss")
	}
	if err := tbl.Set(MaxEntries, e); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("Set out of range: %v", err)
	}
	if err := tbl.Delete(3); err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Lookup(3); ok {
		t.Fatal("deleted slot should miss")
	}
}

func TestTableIterateAndClear(t *testing.T) {
	tbl := NewTable()
	for _, iif := range []uint32{9, 1, 4} {
		_ = tbl.Set(iif, Entry{Ifindex: iif + 100})
	}
	var order []uint32
	tbl.Iterate(func(iif uint32, e Entry) bool {
		if e.Ifindex != iif+100 {
			t.Errorf("slot %d has oif %d", iif, e.Ifindex)
		}
		order = append(order, iif)
		return true
	})
	if fmt.Sprint(order) != "[1 4 9]" {
		t.Fatalf("iteration order %v", order)
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len = %d", tbl.Len())
	}
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Fatalf("Len after Clear = %d", tbl.Len())
	}
}

func TestTableConcurrentSetLookup(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b := byte(i)
			_ = tbl.Set(2, Entry{Ifindex: uint32(b), HDest: [6]byte{b, b, b, b, b, b}, HSource: [6]byte{b, b, b, b, b, b}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			e, ok := tbl.Lookup(2)
			if !ok {
				continue
			}
			b := byte(e.Ifindex)
			if e.HDest != [6]byte{b, b, b, b, b, b} || e.HSource != e.HDest {
				t.Errorf("torn entry %+v", e)
				return
			}
		}
	}()
	wg.Wait()
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "3>5", want: "3>5"},
		{in: " 3 > 5 ", want: "3>5"},
		{in: "3>5@10.0.0.1", want: "3>5@10.0.0.1"},
		{in: "3>5@fe80::1", want: "3>5@fe80::1"},
		{in: "3>5@aa:bb:cc:dd:ee:ff", want: "3>5@aa:bb:cc:dd:ee:ff"},
		{in: "3-5", wantErr: true},
		{in: "x>5", wantErr: true},
		{in: "3>0", wantErr: true},
		{in: "16>5", wantErr: true},
		{in: "3>5@nowhere", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseRule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRule(%q) = %v, want error", tt.in, r)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule(%q): %v", tt.in, err)
			}
			if r.String() != tt.want {
				t.Errorf("ParseRule(%q) = %s, want %s", tt.in, r, tt.want)
			}
		})
	}
}

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil || mac != [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff} {
		t.Fatalf("ParseMAC = %x, %v", mac, err)
	}
	if _, err := ParseMAC("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01"); err == nil {
		t.Fatal("infiniband address accepted")
	}
}

type fakeResolver struct {
	links  map[int]netlink.Link
	neighs map[int][]netlink.Neigh
}

func (f *fakeResolver) LinkByIndex(index int) (netlink.Link, error) {
	if l, ok := f.links[index]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("link %d not found", index)
}

func (f *fakeResolver) NeighList(linkIndex, family int) ([]netlink.Neigh, error) {
	var out []netlink.Neigh
	for _, n := range f.neighs[linkIndex] {
		if n.Family == family {
			out = append(out, n)
		}
	}
	return out, nil
}

func newFakeResolver() *fakeResolver {
	mac := func(s string) net.HardwareAddr {
		hw, _ := net.ParseMAC(s)
		return hw
	}
	return &fakeResolver{
		links: map[int]netlink.Link{
			5: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 5, Name: "eth5", HardwareAddr: mac("02:00:00:00:00:05")}},
			6: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 6, Name: "tun6"}},
		},
		neighs: map[int][]netlink.Neigh{
			5: {
				{LinkIndex: 5, Family: netlink.FAMILY_V4, IP: net.ParseIP("10.0.0.1"), State: netlink.NUD_REACHABLE, HardwareAddr: mac("02:00:00:00:01:01")},
				{LinkIndex: 5, Family: netlink.FAMILY_V4, IP: net.ParseIP("10.0.0.2"), State: netlink.NUD_FAILED, HardwareAddr: mac("02:00:00:00:01:02")},
				{LinkIndex: 5, Family: netlink.FAMILY_V6, IP: net.ParseIP("fe80::1"), State: netlink.NUD_STALE, HardwareAddr: mac("02:00:00:00:01:06")},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	res := newFakeResolver()
	src := [6]byte{0x02, 0, 0, 0, 0, 0x05}

	tests := []struct {
		rule    string
		dst     [6]byte
		wantErr error
	}{
		{rule: "1>5", dst: BroadcastMAC},
		{rule: "1>5@10.0.0.1", dst: [6]byte{0x02, 0, 0, 0, 0x01, 0x01}},
		{rule: "1>5@fe80::1", dst: [6]byte{0x02, 0, 0, 0, 0x01, 0x06}},
		{rule: "1>5@aa:aa:aa:aa:aa:aa", dst: [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}},
		{rule: "1>5@10.0.0.2", wantErr: ErrUnresolved},
		{rule: "1>5@10.0.0.9", wantErr: ErrUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			if err != nil {
				t.Fatal(err)
			}
			e, err := Resolve(res, r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if e.Ifindex != 5 || e.HSource != src || e.HDest != tt.dst {
				t.Fatalf("entry = %s", e)
			}
		})
	}

	if _, err := Resolve(res, Rule{IIF: 1, OIF: 6}); err == nil {
		t.Fatal("link without ethernet address resolved")
	}
	if _, err := Resolve(res, Rule{IIF: 1, OIF: 7}); err == nil {
		t.Fatal("missing link resolved")
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	sets   int
	table  *Table
	failOn uint32
}

func (w *recordingWriter) SetForwarding(iif uint32, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if iif == w.failOn {
		return errors.New("write refused")
	}
	w.sets++
	return w.table.Set(iif, e)
}

func (w *recordingWriter) DeleteForwarding(iif uint32) error {
	return w.table.Delete(iif)
}

func TestSyncerSyncOnce(t *testing.T) {
	w := &recordingWriter{table: NewTable(), failOn: 99}
	rules := []Rule{
		{IIF: 1, OIF: 5, Gateway: net.ParseIP("10.0.0.1")},
		{IIF: 2, OIF: 5},
		{IIF: 3, OIF: 5, Gateway: net.ParseIP("10.0.0.9")},
	}
	s := NewSyncer(w, newFakeResolver(), rules)

	if n := s.SyncOnce(); n != 2 {
		t.Fatalf("first sync wrote %d entries, want 2", n)
	}
	if s.Errors() != 1 {
		t.Fatalf("errors = %d, want 1", s.Errors())
	}
	if _, ok := w.table.Lookup(3); ok {
		t.Fatal("unresolved rule was written")
	}
	// Unchanged entries are not rewritten.
	if n := s.SyncOnce(); n != 0 {
		t.Fatalf("second sync wrote %d entries", n)
	}
	if w.sets != 2 {
		t.Fatalf("writer saw %d sets", w.sets)
	}
	if len(s.Rules()) != 3 {
		t.Fatalf("rules = %v", s.Rules())
	}
}
