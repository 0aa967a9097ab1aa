// Package fib holds the per-interface L2 forwarding table read by the
// redirect hook and the netlink provisioning that fills it.
package fib

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// MaxEntries is the number of ingress interface slots.
const MaxEntries = 16

// ErrIndexRange is returned when an ingress ifindex has no slot.
var ErrIndexRange = errors.New("ingress ifindex out of range")

// Entry is one forwarding decision: the egress interface and the MAC pair
// written into the frame before redirecting it.
type Entry struct {
	Ifindex uint32
	HDest   [6]byte
	HSource [6]byte
}

func (e Entry) String() string {
	return fmt.Sprintf("oif %d dst %s src %s", e.Ifindex,
		net.HardwareAddr(e.HDest[:]), net.HardwareAddr(e.HSource[:]))
}

// Table maps ingress ifindex to Entry. Slots never provisioned are misses.
// Lookups are lock-free; provisioning swaps whole entries so readers never
// see a half-written MAC pair.
type Table struct {
	slots [MaxEntries]atomic.Pointer[Entry]
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{} }

// Lookup returns the entry for the ingress ifindex.
func (t *Table) Lookup(iif uint32) (*Entry, bool) {
	if iif >= MaxEntries {
		return nil, false
	}
	e := t.slots[iif].Load()
	return e, e != nil
}

// Set provisions the slot for iif.
func (t *Table) Set(iif uint32, e Entry) error {
	if iif >= MaxEntries {
		return fmt.Errorf("%w: %d (max %d)", ErrIndexRange, iif, MaxEntries-1)
	}
	t.slots[iif].Store(&e)
	return nil
}

// Delete clears the slot for iif.
func (t *Table) Delete(iif uint32) error {
	if iif >= MaxEntries {
		return fmt.Errorf("%w: %d (max %d)", ErrIndexRange, iif, MaxEntries-1)
	}
	t.slots[iif].Store(nil)
	return nil
}

// Clear removes every entry.
func (t *Table) Clear() {
	for i := range t.slots {
		t.slots[i].Store(nil)
	}
}

// Iterate visits provisioned slots in ifindex order.
func (t *Table) Iterate(fn func(iif uint32, e Entry) bool) {
	for i := range t.slots {
		if e := t.slots[i].Load(); e != nil {
			if !fn(uint32(i), *e) {
				return
			}
		}
	}
}

// Len returns the number of provisioned slots.
func (t *Table) Len() int {
	n := 0
	t.Iterate(func(uint32, Entry) bool {
		n++
		return true
	})
	return n
}

// ParseMAC parses a colon separated Ethernet address.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("not an ethernet address: %q", s)
	}
	copy(mac[:], hw)
	return mac, nil
}
